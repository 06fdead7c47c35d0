// Package threat detects abusive clients from their request and connection
// timing and keeps a time-boxed block list.
package threat

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go4.org/netipx"

	"utc_daemon/internal/config"
)

type Status int

const (
	Normal Status = iota
	Warning
	AttackDetected
	Blocked
)

func (s Status) String() string {
	switch s {
	case Warning:
		return "warning"
	case AttackDetected:
		return "attack_detected"
	case Blocked:
		return "blocked"
	default:
		return "normal"
	}
}

const (
	ReasonBlocked      = "ip address is blocked"
	ReasonRate         = "request rate exceeded threshold"
	ReasonAnomaly      = "anomalous traffic pattern detected"
	ReasonConnections  = "connection limit exceeded"
	ReasonApproaching  = "request rate approaching threshold"
	ReasonManual       = "blocked by operator"
	warningRatio       = 0.8
	maxSamplesPerTable = 1 << 16
)

type Result struct {
	Allowed              bool
	Status               Status
	Reason               string
	BlockDurationSeconds uint64
}

type BlockEntry struct {
	IP        string
	BlockedAt time.Time
	ExpiresAt time.Time
	Reason    string
}

type settings struct {
	enabled          bool
	threshold        uint64
	blockDuration    uint64
	connectionLimit  uint64
	window           uint64
	anomalyThreshold float64
	exempt           *netipx.IPSet
}

type clientStats struct {
	requests     []time.Time
	connections  []time.Time
	totalReqs    uint64
	liveConns    uint64
	firstSeen    time.Time
	lastSeen     time.Time
	anomalyScore float64
}

// Guard is safe for concurrent use. Per-IP statistics and the block list
// are guarded by separate locks and never held together.
type Guard struct {
	now func() time.Time

	setMu sync.Mutex
	cfg   atomic.Pointer[settings]

	statsMu sync.Mutex
	stats   map[string]*clientStats

	blocksMu sync.Mutex
	blocks   map[string]BlockEntry

	totalBlocked atomic.Uint64
}

// New returns a Guard configured from cfg. It fails only if an exempt
// network does not parse.
func New(cfg *config.ThreatConfig) (*Guard, error) {
	g := &Guard{
		now:    time.Now,
		stats:  make(map[string]*clientStats),
		blocks: make(map[string]BlockEntry),
	}
	g.cfg.Store(&settings{})
	if err := g.Configure(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Configure replaces every setting. On error nothing changes.
func (g *Guard) Configure(cfg *config.ThreatConfig) error {
	exempt, err := buildExemptSet(cfg.Exempt)
	if err != nil {
		return err
	}

	g.setMu.Lock()
	defer g.setMu.Unlock()
	g.cfg.Store(&settings{
		enabled:          cfg.Enabled,
		threshold:        cfg.Threshold,
		blockDuration:    cfg.BlockDurationSeconds,
		connectionLimit:  cfg.ConnectionLimit,
		window:           cfg.ConnectionWindowSeconds,
		anomalyThreshold: cfg.AnomalyThreshold,
		exempt:           exempt,
	})
	return nil
}

func buildExemptSet(networks []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, n := range networks {
		if p, err := netip.ParsePrefix(n); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(n)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt network %q", n)
		}
		b.Add(a)
	}
	return b.IPSet()
}

func (g *Guard) update(fn func(s *settings)) {
	g.setMu.Lock()
	defer g.setMu.Unlock()
	next := *g.cfg.Load()
	fn(&next)
	g.cfg.Store(&next)
}

func (g *Guard) SetEnabled(enabled bool) { g.update(func(s *settings) { s.enabled = enabled }) }

func (g *Guard) Enabled() bool { return g.cfg.Load().enabled }

// SetThreshold sets the number of requests per window above which a client
// is blocked.
func (g *Guard) SetThreshold(requests uint64) {
	g.update(func(s *settings) { s.threshold = requests })
}

func (g *Guard) SetBlockDuration(seconds uint64) {
	g.update(func(s *settings) { s.blockDuration = seconds })
}

func (g *Guard) SetConnectionLimit(max uint64) {
	g.update(func(s *settings) { s.connectionLimit = max })
}

func (g *Guard) SetConnectionWindow(seconds uint64) {
	g.update(func(s *settings) { s.window = seconds })
}

func (g *Guard) SetAnomalyThreshold(threshold float64) {
	g.update(func(s *settings) { s.anomalyThreshold = threshold })
}

// IsExempt reports whether ip is in the exempt set.
func (g *Guard) IsExempt(ip string) bool {
	return g.cfg.Load().isExempt(ip)
}

func (s *settings) isExempt(ip string) bool {
	if s.exempt == nil {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return s.exempt.Contains(a.Unmap())
}

/*
-------------------------------------------------
Admission
-------------------------------------------------
*/

// AdmitRequest records a request from ip and decides whether to serve it.
// A client over the rate threshold, or whose timing looks automated, is
// blocked for the configured duration.
func (g *Guard) AdmitRequest(ip string) Result {
	s := g.cfg.Load()
	if !s.enabled || s.isExempt(ip) {
		return Result{Allowed: true, Status: Normal}
	}
	if g.IsBlocked(ip) {
		return Result{Allowed: false, Status: Blocked, Reason: ReasonBlocked}
	}

	rate, anomalous := g.recordAndScore(ip, s)

	if rate > s.threshold {
		return g.detect(ip, s, ReasonRate)
	}
	if anomalous {
		return g.detect(ip, s, ReasonAnomaly)
	}
	if float64(rate) > float64(s.threshold)*warningRatio {
		return Result{Allowed: true, Status: Warning, Reason: ReasonApproaching}
	}
	return Result{Allowed: true, Status: Normal}
}

// AdmitConnection blocks ip once its live connection count has reached the
// limit; otherwise the connection is recorded.
func (g *Guard) AdmitConnection(ip string) Result {
	s := g.cfg.Load()
	if !s.enabled || s.isExempt(ip) {
		return Result{Allowed: true, Status: Normal}
	}
	if g.IsBlocked(ip) {
		return Result{Allowed: false, Status: Blocked, Reason: ReasonBlocked}
	}

	g.statsMu.Lock()
	st := g.statsLocked(ip)
	if st.liveConns >= s.connectionLimit {
		g.statsMu.Unlock()
		return g.detect(ip, s, ReasonConnections)
	}
	g.recordConnectionLocked(st, s)
	g.statsMu.Unlock()

	return Result{Allowed: true, Status: Normal}
}

func (g *Guard) detect(ip string, s *settings, reason string) Result {
	g.block(ip, time.Duration(s.blockDuration)*time.Second, reason)
	g.totalBlocked.Add(1)
	return Result{
		Allowed:              false,
		Status:               AttackDetected,
		Reason:               reason,
		BlockDurationSeconds: s.blockDuration,
	}
}

func (g *Guard) recordAndScore(ip string, s *settings) (uint64, bool) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	st := g.statsLocked(ip)
	g.recordRequestLocked(st, s)
	return g.rateLocked(st, s), g.scoreLocked(st, s)
}

/*
-------------------------------------------------
Recording
-------------------------------------------------
*/

func (g *Guard) RecordRequest(ip string) {
	s := g.cfg.Load()
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	g.recordRequestLocked(g.statsLocked(ip), s)
}

func (g *Guard) RecordConnection(ip string) {
	s := g.cfg.Load()
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	g.recordConnectionLocked(g.statsLocked(ip), s)
}

// RecordDisconnection decrements the live connection count, never below 0.
func (g *Guard) RecordDisconnection(ip string) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	if st, ok := g.stats[ip]; ok && st.liveConns > 0 {
		st.liveConns--
	}
}

func (g *Guard) statsLocked(ip string) *clientStats {
	st, ok := g.stats[ip]
	if !ok {
		st = &clientStats{}
		g.stats[ip] = st
	}
	return st
}

func (g *Guard) recordRequestLocked(st *clientStats, s *settings) {
	now := g.now()
	st.requests = append(st.requests, now)
	st.totalReqs++
	g.touch(st, now)
	g.pruneLocked(st, s, now)
}

func (g *Guard) recordConnectionLocked(st *clientStats, s *settings) {
	now := g.now()
	st.connections = append(st.connections, now)
	st.liveConns++
	g.touch(st, now)
	g.pruneLocked(st, s, now)
}

func (g *Guard) touch(st *clientStats, now time.Time) {
	if st.firstSeen.IsZero() {
		st.firstSeen = now
	}
	st.lastSeen = now
}

func (g *Guard) pruneLocked(st *clientStats, s *settings, now time.Time) {
	cutoff := now.Add(-2 * time.Duration(s.window) * time.Second)
	st.requests = prune(st.requests, cutoff, maxSamplesPerTable)
	st.connections = prune(st.connections, cutoff, maxSamplesPerTable)
}

func (g *Guard) rateLocked(st *clientStats, s *settings) uint64 {
	start := g.now().Add(-time.Duration(s.window) * time.Second)
	return countSince(st.requests, start)
}

func (g *Guard) scoreLocked(st *clientStats, s *settings) bool {
	st.anomalyScore = anomalyScore(st.requests, g.rateLocked(st, s))
	return st.anomalyScore > s.anomalyThreshold || botLike(st.requests)
}

/*
-------------------------------------------------
Anomaly queries
-------------------------------------------------
*/

// IsAnomaly recomputes and stores the anomaly score for ip and reports
// whether it exceeds the threshold or the timing looks automated.
func (g *Guard) IsAnomaly(ip string) bool {
	s := g.cfg.Load()
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	st, ok := g.stats[ip]
	if !ok {
		return false
	}
	return g.scoreLocked(st, s)
}

// AnomalyScore returns the score stored by the last evaluation of ip.
func (g *Guard) AnomalyScore(ip string) float64 {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	if st, ok := g.stats[ip]; ok {
		return st.anomalyScore
	}
	return 0
}

// RequestRate returns the number of requests from ip inside the window.
func (g *Guard) RequestRate(ip string) uint64 {
	s := g.cfg.Load()
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	if st, ok := g.stats[ip]; ok {
		return g.rateLocked(st, s)
	}
	return 0
}

// RequestCount returns every request recorded for ip since its stats entry
// was created.
func (g *Guard) RequestCount(ip string) uint64 {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	if st, ok := g.stats[ip]; ok {
		return st.totalReqs
	}
	return 0
}

func (g *Guard) ConnectionCount(ip string) uint64 {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	if st, ok := g.stats[ip]; ok {
		return st.liveConns
	}
	return 0
}

func (g *Guard) TrackedClients() int {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return len(g.stats)
}

func (g *Guard) TotalBlocked() uint64 { return g.totalBlocked.Load() }

/*
-------------------------------------------------
Block list
-------------------------------------------------
*/

// IsBlocked reports whether ip has a block entry that has not expired yet.
// Expired entries stay in the table until CleanupExpired.
func (g *Guard) IsBlocked(ip string) bool {
	g.blocksMu.Lock()
	defer g.blocksMu.Unlock()
	e, ok := g.blocks[ip]
	return ok && g.now().Before(e.ExpiresAt)
}

// Block blocks ip for d, replacing any existing entry.
func (g *Guard) Block(ip string, d time.Duration) {
	g.block(ip, d, ReasonManual)
}

func (g *Guard) block(ip string, d time.Duration, reason string) {
	g.blocksMu.Lock()
	defer g.blocksMu.Unlock()
	now := g.now()
	g.blocks[ip] = BlockEntry{
		IP:        ip,
		BlockedAt: now,
		ExpiresAt: now.Add(d),
		Reason:    reason,
	}
}

func (g *Guard) Unblock(ip string) {
	g.blocksMu.Lock()
	defer g.blocksMu.Unlock()
	delete(g.blocks, ip)
}

func (g *Guard) ClearBlocks() {
	g.blocksMu.Lock()
	defer g.blocksMu.Unlock()
	g.blocks = make(map[string]BlockEntry)
}

// BlockedIPs returns the addresses with a live block, sorted.
func (g *Guard) BlockedIPs() []string {
	entries := g.Blocks()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.IP
	}
	return out
}

// Blocks returns the live block entries sorted by address.
func (g *Guard) Blocks() []BlockEntry {
	g.blocksMu.Lock()
	now := g.now()
	out := make([]BlockEntry, 0, len(g.blocks))
	for _, e := range g.blocks {
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	g.blocksMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

/*
-------------------------------------------------
Housekeeping
-------------------------------------------------
*/

// CleanupExpired purges expired blocks, prunes old samples and drops stats
// entries that have no samples and no live connections left.
func (g *Guard) CleanupExpired() (blocks, stats int) {
	s := g.cfg.Load()

	g.blocksMu.Lock()
	now := g.now()
	for ip, e := range g.blocks {
		if !now.Before(e.ExpiresAt) {
			delete(g.blocks, ip)
			blocks++
		}
	}
	g.blocksMu.Unlock()

	g.statsMu.Lock()
	now = g.now()
	for ip, st := range g.stats {
		g.pruneLocked(st, s, now)
		if len(st.requests) == 0 && len(st.connections) == 0 && st.liveConns == 0 {
			delete(g.stats, ip)
			stats++
		}
	}
	g.statsMu.Unlock()

	return blocks, stats
}

// Reset clears all statistics, all blocks and the blocked counter.
func (g *Guard) Reset() {
	g.statsMu.Lock()
	g.stats = make(map[string]*clientStats)
	g.statsMu.Unlock()

	g.ClearBlocks()
	g.totalBlocked.Store(0)
}
