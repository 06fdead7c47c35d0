package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"utc_daemon/internal/admission"
	"utc_daemon/internal/logging"
	"utc_daemon/internal/threat"
)

// Session serves one admitted TCP connection: a single time packet, then
// close.
type Session struct {
	ID        uuid.UUID
	ip        string
	conn      net.Conn
	idle      time.Duration
	startTime time.Time
	outBytes  int64

	//------error handling--------
	errOnce sync.Once
}

func newSession(conn net.Conn, ip string, idle time.Duration) *Session {
	return &Session{
		ID:        uuid.New(),
		ip:        ip,
		conn:      conn,
		idle:      idle,
		startTime: time.Now(),
	}
}

func (s *Server) serveSession(sess *Session) {
	defer s.wg.Done()
	defer sess.conn.Close()

	//--------------registration logic-----------------
	defer func() {
		s.gate.Release(sess.ip)
		s.reg.Unregister(sess.ip)
		s.rec.SetActiveConnections(s.reg.ActiveConnectionsCount())
		s.rec.ObserveSession(time.Since(sess.startTime))
	}()

	if sess.idle > 0 {
		sess.conn.SetDeadline(time.Now().Add(sess.idle))
	}

	d := s.gate.AdmitRequest(sess.ip)
	if !d.Allowed {
		s.reject(sess.ip, d, false)
		return
	}
	s.observeThreat(sess.ip, d)

	b := s.packet().Encode()
	n, err := sess.conn.Write(b)
	sess.outBytes += int64(n)
	if err != nil {
		sess.err("write", err)
		return
	}
	s.rec.ObservePacketSent("tcp")

	logging.LogEvent("INFO", "connection_closed", map[string]any{
		"session_id":  sess.ID.String(),
		"client_ip":   sess.ip,
		"duration_ms": time.Since(sess.startTime).Milliseconds(),
		"bytes_out":   sess.outBytes,
	})
}

func (sess *Session) err(stage string, err error) {
	sess.errOnce.Do(func() {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logging.LogEvent("INFO", "connection_closed", map[string]any{
				"session_id": sess.ID.String(),
				"client_ip":  sess.ip,
				"reason":     "idle_timeout",
			})
			return
		}
		if err != io.EOF {
			logging.LogEvent("WARN", "session_error", map[string]any{
				"session_id": sess.ID.String(),
				"client_ip":  sess.ip,
				"stage":      stage,
				"error":      err,
			})
		}
	})
}

func (s *Server) reject(ip string, d admission.Decision, connection bool) {
	s.rec.ObserveRejected(string(d.Stage), connection)
	if d.Stage == admission.StageDDoS {
		s.rec.ObserveThreatStatus(d.Threat.String())
	}

	event := "request_rejected"
	if connection {
		event = "connection_rejected"
	}
	fields := map[string]any{
		"client_ip": ip,
		"stage":     string(d.Stage),
		"reason":    d.Reason,
	}
	if d.RetryAfter > 0 {
		fields["retry_after_secs"] = d.RetryAfter
	}
	logging.LogEvent("WARN", event, fields)
}

func (s *Server) observeThreat(ip string, d admission.Decision) {
	if d.Threat != threat.Warning {
		return
	}
	s.rec.ObserveThreatStatus(d.Threat.String())
	logging.LogEvent("WARN", "threat_warning", map[string]any{
		"client_ip": ip,
		"reason":    d.Reason,
	})
}
