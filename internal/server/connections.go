package server

import (
	"sort"
	"sync"

	"utc_daemon/internal/config"
)

// ConnectionRegister caps the number of open TCP sessions across all
// clients and keeps per-address counts for the stats endpoint.
type ConnectionRegister struct {
	mu                sync.Mutex
	cfg               config.ConnectionConfig
	ActiveConnections int64
	ConnectionsByIP   map[string]int64

	//--------metrics----------
	ConnectionsAccepted, ConnectionsRejected int64
}

func NewConnectionRegister(cfg *config.ConnectionConfig) *ConnectionRegister {
	return &ConnectionRegister{
		cfg:             *cfg,
		ConnectionsByIP: make(map[string]int64),
	}
}

func (r *ConnectionRegister) TryRegister(ip string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ActiveConnections >= r.cfg.MaxConnections {
		r.ConnectionsRejected++
		return false, "max_connections"
	}

	r.ConnectionsAccepted++
	r.ActiveConnections++
	r.ConnectionsByIP[ip]++
	return true, ""
}

// Reject counts a connection refused after registration by a later stage.
func (r *ConnectionRegister) Reject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ConnectionsAccepted--
	r.ConnectionsRejected++
}

func (r *ConnectionRegister) Unregister(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ct, ok := r.ConnectionsByIP[ip]
	if !ok {
		return
	}
	r.ActiveConnections--
	if ct <= 1 {
		delete(r.ConnectionsByIP, ip)
		return
	}
	r.ConnectionsByIP[ip] = ct - 1
}

func (r *ConnectionRegister) SetMaxConnections(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxConnections = n
}

func (r *ConnectionRegister) ActiveConnectionsCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ActiveConnections
}

func (r *ConnectionRegister) IPConnectionsCount(ip string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ConnectionsByIP[ip]
}

type ClientConnections struct {
	IP          string `json:"ip"`
	Connections int64  `json:"connections"`
}

type RegisterStats struct {
	Active   int64               `json:"active_connections"`
	Max      int64               `json:"max_connections"`
	Accepted int64               `json:"connections_accepted"`
	Rejected int64               `json:"connections_rejected"`
	Clients  []ClientConnections `json:"clients"`
}

// Stats returns a snapshot with clients sorted by open connections, busiest
// first.
func (r *ConnectionRegister) Stats() RegisterStats {
	r.mu.Lock()
	st := RegisterStats{
		Active:   r.ActiveConnections,
		Max:      r.cfg.MaxConnections,
		Accepted: r.ConnectionsAccepted,
		Rejected: r.ConnectionsRejected,
		Clients:  make([]ClientConnections, 0, len(r.ConnectionsByIP)),
	}
	for ip, n := range r.ConnectionsByIP {
		st.Clients = append(st.Clients, ClientConnections{IP: ip, Connections: n})
	}
	r.mu.Unlock()

	sort.Slice(st.Clients, func(i, j int) bool {
		if st.Clients[i].Connections != st.Clients[j].Connections {
			return st.Clients[i].Connections > st.Clients[j].Connections
		}
		return st.Clients[i].IP < st.Clients[j].IP
	})
	return st
}
