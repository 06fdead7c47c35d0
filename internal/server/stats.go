package server

import (
	"time"

	"utc_daemon/internal/threat"
	"utc_daemon/internal/timeproto"
)

type BlockStats struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Stats struct {
	Register       RegisterStats `json:"connections"`
	RateLimited    int           `json:"rate_limiter_clients"`
	ThreatTracked  int           `json:"ddos_tracked_clients"`
	TotalBlocked   uint64        `json:"ddos_total_blocked"`
	Blocked        []BlockStats  `json:"ddos_blocked"`
	ACLRules       int           `json:"acl_rules"`
	ACLDefault     string        `json:"acl_default_action"`
	ServerTime     string        `json:"server_time"`
	ServerTimeUnix int64         `json:"server_time_unix"`
}

// Stats snapshots the register and every admission stage.
func (s *Server) Stats() Stats {
	now := s.now()
	st := Stats{
		Register:       s.reg.Stats(),
		RateLimited:    s.gate.Limiter.ClientCount(),
		ThreatTracked:  s.gate.Guard.TrackedClients(),
		TotalBlocked:   s.gate.Guard.TotalBlocked(),
		ACLRules:       len(s.gate.ACL.Rules()),
		ACLDefault:     s.gate.ACL.DefaultAction().String(),
		ServerTime:     now.UTC().Format(timeproto.TimeLayout),
		ServerTimeUnix: now.Unix(),
	}
	for _, b := range s.gate.Guard.Blocks() {
		st.Blocked = append(st.Blocked, blockStats(b))
	}
	return st
}

func blockStats(b threat.BlockEntry) BlockStats {
	return BlockStats{IP: b.IP, Reason: b.Reason, ExpiresAt: b.ExpiresAt.UTC()}
}
