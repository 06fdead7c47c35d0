package ratelimit

import (
	"sync"
	"time"

	"utc_daemon/internal/config"
)

const (
	msgGlobalExceeded = "global rate limit exceeded"
	msgClientExceeded = "rate limit exceeded"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed           bool
	Remaining         uint64
	ResetAfterSeconds uint64
	Message           string
}

// Limiter combines a global token bucket, per-client token buckets and a
// per-client active connection count. Buckets refill in whole seconds.
type Limiter struct {
	now func() time.Time

	// settings are read on every check; they have their own lock so that
	// setters never contend with the bucket tables.
	settingsMu   sync.Mutex
	enabled      bool
	defaultRate  uint64
	defaultBurst uint64
	window       uint64

	globalMu         sync.Mutex
	globalRate       uint64
	globalBurst      uint64
	globalTokens     uint64
	globalLastRefill time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	tokens            uint64
	rate              uint64
	burst             uint64
	lastRefill        time.Time
	activeConnections uint64
}

func New(cfg *config.RateLimiterConfig) *Limiter {
	l := &Limiter{
		now:     time.Now,
		clients: make(map[string]*client),
	}
	l.globalLastRefill = l.now()
	l.Configure(cfg)
	return l
}

// Configure applies cfg. The global bucket is refilled to the configured
// burst; client buckets pick up new defaults on their next check.
func (l *Limiter) Configure(cfg *config.RateLimiterConfig) {
	l.settingsMu.Lock()
	l.enabled = cfg.Enabled
	l.defaultRate = cfg.Rate
	l.defaultBurst = cfg.Burst
	l.window = cfg.WindowSeconds
	l.settingsMu.Unlock()

	l.SetGlobalRate(cfg.GlobalRate)
	l.SetGlobalBurst(cfg.GlobalBurst)
}

func (l *Limiter) SetEnabled(enabled bool) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	l.enabled = enabled
}

func (l *Limiter) Enabled() bool {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	return l.enabled
}

func (l *Limiter) SetRate(perSecond uint64) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	l.defaultRate = perSecond
}

func (l *Limiter) SetBurst(burst uint64) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	l.defaultBurst = burst
}

func (l *Limiter) SetWindow(seconds uint64) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	l.window = seconds
}

func (l *Limiter) SetGlobalRate(perSecond uint64) {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	l.globalRate = perSecond
}

// SetGlobalBurst resizes the global bucket and refills it.
func (l *Limiter) SetGlobalBurst(burst uint64) {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	l.globalBurst = burst
	l.globalTokens = burst
}

func (l *Limiter) settings() (enabled bool, rate, burst, window uint64) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	return l.enabled, l.defaultRate, l.defaultBurst, l.window
}

// Admit checks client against the configured default rate and burst.
func (l *Limiter) Admit(clientID string) Result {
	_, rate, burst, _ := l.settings()
	return l.AdmitWith(clientID, rate, burst)
}

// AdmitWith checks the global bucket and then the client's bucket, consuming
// one token from each on success. A client whose stored rate or burst
// differs from the arguments gets a fresh, full bucket.
func (l *Limiter) AdmitWith(clientID string, rate, burst uint64) Result {
	enabled, _, _, window := l.settings()
	if !enabled {
		return Result{Allowed: true}
	}

	if g := l.checkGlobal(window); !g.Allowed {
		return g
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[clientID]
	if !ok {
		c = &client{lastRefill: now}
		l.clients[clientID] = c
	}

	if c.rate != rate || c.burst != burst {
		c.rate = rate
		c.burst = burst
		c.tokens = burst
		c.lastRefill = now
	}

	c.tokens, c.lastRefill = refill(c.tokens, rate, burst, c.lastRefill, now)

	if c.tokens == 0 {
		return Result{
			Allowed:           false,
			Remaining:         0,
			ResetAfterSeconds: window,
			Message:           msgClientExceeded,
		}
	}

	c.tokens--
	return Result{
		Allowed:           true,
		Remaining:         c.tokens,
		ResetAfterSeconds: window,
	}
}

// CheckGlobal consumes one token from the global bucket.
func (l *Limiter) CheckGlobal() Result {
	enabled, _, _, window := l.settings()
	if !enabled {
		return Result{Allowed: true}
	}
	return l.checkGlobal(window)
}

func (l *Limiter) checkGlobal(window uint64) Result {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()

	l.globalTokens, l.globalLastRefill = refill(l.globalTokens, l.globalRate, l.globalBurst, l.globalLastRefill, l.now())

	if l.globalTokens == 0 {
		return Result{
			Allowed:           false,
			Remaining:         0,
			ResetAfterSeconds: window,
			Message:           msgGlobalExceeded,
		}
	}

	l.globalTokens--
	return Result{
		Allowed:           true,
		Remaining:         l.globalTokens,
		ResetAfterSeconds: window,
	}
}

// AdmitConnection reports whether clientID has fewer than max active
// connections. It neither consumes tokens nor creates state.
func (l *Limiter) AdmitConnection(clientID string, max uint64) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		return max > 0
	}
	return c.activeConnections < max
}

func (l *Limiter) RecordConnection(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		c = &client{lastRefill: l.now()}
		l.clients[clientID] = c
	}
	c.activeConnections++
}

func (l *Limiter) ReleaseConnection(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[clientID]; ok && c.activeConnections > 0 {
		c.activeConnections--
	}
}

func (l *Limiter) ActiveConnections(clientID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[clientID]; ok {
		return c.activeConnections
	}
	return 0
}

// Tokens reports the tokens left in clientID's bucket without refilling it.
func (l *Limiter) Tokens(clientID string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		return 0, false
	}
	return c.tokens, true
}

func (l *Limiter) GlobalTokens() uint64 {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	return l.globalTokens
}

func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// CleanupExpiredEntries drops buckets not refilled for more than twice the
// window. Clients with live connections are kept so their counters survive.
func (l *Limiter) CleanupExpiredEntries() int {
	_, _, _, window := l.settings()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, c := range l.clients {
		if c.activeConnections > 0 {
			continue
		}
		if wholeSeconds(c.lastRefill, now) > window*2 {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// Reset forgets every client and refills the global bucket.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.clients = make(map[string]*client)
	l.mu.Unlock()

	l.globalMu.Lock()
	l.globalTokens = l.globalBurst
	l.globalLastRefill = l.now()
	l.globalMu.Unlock()
}

// refill adds rate tokens per whole elapsed second, capped at burst. The
// refill stamp only moves when at least one second has passed.
func refill(tokens, rate, burst uint64, last, now time.Time) (uint64, time.Time) {
	elapsed := wholeSeconds(last, now)
	if elapsed == 0 {
		if tokens > burst {
			tokens = burst
		}
		return tokens, last
	}

	room := uint64(0)
	if burst > tokens {
		room = burst - tokens
	}
	if rate > 0 && elapsed >= (room+rate-1)/rate {
		return burst, now
	}
	tokens += rate * elapsed
	if tokens > burst {
		tokens = burst
	}
	return tokens, now
}

func wholeSeconds(from, to time.Time) uint64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
