// Package server runs the TCP and UDP time service behind the admission
// gate.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"utc_daemon/internal/admission"
	"utc_daemon/internal/config"
	"utc_daemon/internal/logging"
	"utc_daemon/internal/metrics"
	"utc_daemon/internal/timeproto"
)

const maxDatagram = timeproto.MaxPacketSize

type Server struct {
	cfg    config.ServerConfig
	gate   *admission.Gate
	reg    *ConnectionRegister
	rec    *metrics.Recorder
	epoch  timeproto.Epoch
	accept *rate.Limiter
	now    func() time.Time

	wg sync.WaitGroup
}

// New builds a server. rec may be nil.
func New(cfg *config.ServerConfig, ccfg *config.ConnectionConfig, gate *admission.Gate, rec *metrics.Recorder) (*Server, error) {
	epoch, err := timeproto.ParseEpoch(cfg.Epoch)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   *cfg,
		gate:  gate,
		reg:   NewConnectionRegister(ccfg),
		rec:   rec,
		epoch: epoch,
		now:   time.Now,
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.accept = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return s, nil
}

func (s *Server) Register() *ConnectionRegister { return s.reg }

func (s *Server) packet() timeproto.Packet {
	return timeproto.NewPacket(s.epoch.Timestamp(s.now()))
}

// Run listens on the configured address, over TCP and, if enabled, UDP,
// and serves until ctx is cancelled. In-flight sessions are waited for
// before it returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.cfg.ListenAddress, err)
	}

	var pc net.PacketConn
	if s.cfg.UDP {
		pc, err = net.ListenPacket("udp", s.cfg.ListenAddress)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen udp %s: %w", s.cfg.ListenAddress, err)
		}
	}

	logging.LogEvent("INFO", "server_started", map[string]any{
		"listen_address": s.cfg.ListenAddress,
		"udp":            s.cfg.UDP,
		"epoch":          s.epoch.String(),
	})

	errs := make(chan error, 2)
	go func() { errs <- s.ServeTCP(ctx, ln) }()
	n := 1
	if pc != nil {
		n++
		go func() { errs <- s.ServeUDP(ctx, pc) }()
	}

	var first error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	s.wg.Wait()
	return first
}

// ServeTCP accepts connections on ln until ctx is cancelled or ln fails.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		if s.accept != nil {
			if err := s.accept.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logging.LogEvent("INFO", "accept_stopped", map[string]any{
					"listen_address": ln.Addr().String(),
				})
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ip := ExtractIP(conn.RemoteAddr())

	if ok, msg := s.reg.TryRegister(ip); !ok {
		conn.Close()
		s.reject(ip, admission.Decision{Stage: admission.Stage(msg), Reason: "server at capacity"}, true)
		return
	}

	d := s.gate.AdmitConnection(ip)
	if !d.Allowed {
		s.reg.Unregister(ip)
		s.reg.Reject()
		conn.Close()
		s.reject(ip, d, true)
		return
	}

	s.rec.ObserveAccepted()
	s.rec.SetActiveConnections(s.reg.ActiveConnectionsCount())

	sess := newSession(conn, ip, time.Duration(s.cfg.IdleTimeoutSeconds)*time.Second)
	logging.LogEvent("DEBUG", "connection_accepted", map[string]any{
		"session_id":         sess.ID.String(),
		"client_ip":          ip,
		"active_connections": s.reg.ActiveConnectionsCount(),
		"client_connections": s.reg.IPConnectionsCount(ip),
	})

	s.wg.Add(1)
	go s.serveSession(sess)
}

// ServeUDP answers every datagram on pc with a time packet until ctx is
// cancelled. Empty datagrams and well-formed packets are both requests.
func (s *Server) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, maxDatagram+1)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read udp: %w", err)
		}
		s.rec.ObservePacketReceived("udp")

		ip := ExtractIP(addr)
		if n > 0 {
			if _, err := timeproto.Decode(buf[:n], s.epoch.Timestamp(s.now())); err != nil {
				logging.LogEvent("DEBUG", "malformed_packet", map[string]any{
					"client_ip": ip,
					"size":      n,
					"error":     err,
				})
				continue
			}
		}

		d := s.gate.AdmitRequest(ip)
		if !d.Allowed {
			s.reject(ip, d, false)
			continue
		}
		s.observeThreat(ip, d)

		if _, err := pc.WriteTo(s.packet().Encode(), addr); err != nil {
			logging.LogEvent("WARN", "udp_write_failed", map[string]any{
				"client_ip": ip,
				"error":     err,
			})
			continue
		}
		s.rec.ObservePacketSent("udp")
	}
}
