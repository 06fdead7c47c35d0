// Package admission chains the access list, the rate limiter and the threat
// guard into a single allow/deny decision for each connection and request.
package admission

import (
	"sync/atomic"

	"utc_daemon/internal/acl"
	"utc_daemon/internal/config"
	"utc_daemon/internal/ratelimit"
	"utc_daemon/internal/threat"
)

type Stage string

const (
	StageNone            Stage = ""
	StageACL             Stage = "acl"
	StageConnectionLimit Stage = "connection_limit"
	StageRateLimit       Stage = "rate_limit"
	StageDDoS            Stage = "ddos"
)

const (
	reasonACL         = "access denied"
	reasonConnections = "too many connections from client"
)

// Decision is the outcome of a gate check. RetryAfter is a hint in seconds
// and is zero when no stage gave one.
type Decision struct {
	Allowed    bool
	Stage      Stage
	Reason     string
	RetryAfter uint64
	Threat     threat.Status
}

// Gate runs the stages in order, cheapest first. Stages never call each
// other; the first one to refuse decides.
type Gate struct {
	ACL     *acl.AccessList
	Limiter *ratelimit.Limiter
	Guard   *threat.Guard

	aclEnabled   atomic.Bool
	maxPerClient atomic.Uint64
}

// New builds every stage from cfg. Rejected ACL entries are returned so the
// caller can log them.
func New(cfg *config.Config) (*Gate, []string, error) {
	guard, err := threat.New(&cfg.DDoS)
	if err != nil {
		return nil, nil, err
	}
	g := &Gate{
		ACL:     acl.New(),
		Limiter: ratelimit.New(&cfg.RateLimiter),
		Guard:   guard,
	}
	rejected, err := g.Apply(cfg)
	if err != nil {
		return nil, nil, err
	}
	return g, rejected, nil
}

// Apply reconfigures all stages in place. Client buckets, statistics and
// blocks survive. On error no stage has been changed.
func (g *Gate) Apply(cfg *config.Config) ([]string, error) {
	if _, err := acl.ParseAction(cfg.ACL.DefaultAction); err != nil {
		return nil, err
	}
	if _, err := acl.ParseRuleOrder(cfg.ACL.RuleOrder); err != nil {
		return nil, err
	}
	if err := g.Guard.Configure(&cfg.DDoS); err != nil {
		return nil, err
	}

	rejected, err := g.ACL.Configure(&cfg.ACL)
	if err != nil {
		return nil, err
	}
	g.Limiter.Configure(&cfg.RateLimiter)
	g.aclEnabled.Store(cfg.ACL.Enabled)
	g.maxPerClient.Store(cfg.RateLimiter.MaxConnectionsPerClient)
	return rejected, nil
}

func (g *Gate) SetACLEnabled(enabled bool) { g.aclEnabled.Store(enabled) }

func (g *Gate) SetMaxConnectionsPerClient(max uint64) { g.maxPerClient.Store(max) }

// AdmitConnection decides whether a new connection from ip may be served.
// An admitted connection must be paired with Release.
func (g *Gate) AdmitConnection(ip string) Decision {
	if d, ok := g.checkACL(ip); !ok {
		return d
	}

	if !g.Limiter.AdmitConnection(ip, g.maxPerClient.Load()) {
		return Decision{Stage: StageConnectionLimit, Reason: reasonConnections}
	}

	res := g.Guard.AdmitConnection(ip)
	if !res.Allowed {
		return Decision{
			Stage:      StageDDoS,
			Reason:     res.Reason,
			RetryAfter: res.BlockDurationSeconds,
			Threat:     res.Status,
		}
	}

	g.Limiter.RecordConnection(ip)
	return Decision{Allowed: true, Threat: res.Status}
}

// AdmitRequest decides whether one request from ip may be answered.
func (g *Gate) AdmitRequest(ip string) Decision {
	if d, ok := g.checkACL(ip); !ok {
		return d
	}

	if rl := g.Limiter.Admit(ip); !rl.Allowed {
		return Decision{
			Stage:      StageRateLimit,
			Reason:     rl.Message,
			RetryAfter: rl.ResetAfterSeconds,
		}
	}

	res := g.Guard.AdmitRequest(ip)
	if !res.Allowed {
		return Decision{
			Stage:      StageDDoS,
			Reason:     res.Reason,
			RetryAfter: res.BlockDurationSeconds,
			Threat:     res.Status,
		}
	}
	return Decision{Allowed: true, Reason: res.Reason, Threat: res.Status}
}

// Release undoes the connection accounting of an admitted connection.
func (g *Gate) Release(ip string) {
	g.Limiter.ReleaseConnection(ip)
	g.Guard.RecordDisconnection(ip)
}

func (g *Gate) checkACL(ip string) (Decision, bool) {
	if g.aclEnabled.Load() && g.ACL.IsDenied(ip) {
		return Decision{Stage: StageACL, Reason: reasonACL}, false
	}
	return Decision{}, true
}
