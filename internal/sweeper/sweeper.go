// Package sweeper periodically purges expired admission state.
package sweeper

import (
	"context"
	"time"

	"utc_daemon/internal/admission"
	"utc_daemon/internal/logging"
	"utc_daemon/internal/metrics"
)

type Sweeper struct {
	gate     *admission.Gate
	rec      *metrics.Recorder
	interval time.Duration
}

// New returns a sweeper for gate. rec may be nil.
func New(gate *admission.Gate, rec *metrics.Recorder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{gate: gate, rec: rec, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

type Result struct {
	Buckets int
	Blocks  int
	Stats   int
}

// Sweep runs one cleanup pass and refreshes the state gauges.
func (s *Sweeper) Sweep() Result {
	var r Result
	r.Buckets = s.gate.Limiter.CleanupExpiredEntries()
	r.Blocks, r.Stats = s.gate.Guard.CleanupExpired()

	s.rec.ObserveCleanup("rate_limiter_buckets", r.Buckets)
	s.rec.ObserveCleanup("ddos_blocks", r.Blocks)
	s.rec.ObserveCleanup("ddos_stats", r.Stats)
	s.rec.SetTrackedClients("rate_limiter", s.gate.Limiter.ClientCount())
	s.rec.SetTrackedClients("ddos", s.gate.Guard.TrackedClients())
	s.rec.SetBlockedIPs(len(s.gate.Guard.BlockedIPs()))
	s.rec.SetTotalBlocked(s.gate.Guard.TotalBlocked())

	if r.Buckets+r.Blocks+r.Stats > 0 {
		logging.LogEvent("DEBUG", "cleanup", map[string]any{
			"buckets_removed": r.Buckets,
			"blocks_removed":  r.Blocks,
			"stats_removed":   r.Stats,
		})
	}
	return r
}
