package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"utc_daemon/internal/admission"
	"utc_daemon/internal/config"
	"utc_daemon/internal/timeproto"
)

/*
-------------------------------------------------
Helpers
-------------------------------------------------
*/

var fixedNow = time.Unix(1_700_000_000, 0)

func newTestServer(t *testing.T, mutate func(c *config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}

	gate, _, err := admission.New(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	scfg, ccfg, _, _, _ := cfg.SplitConfig()
	s, err := New(scfg, ccfg, gate, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return fixedNow }
	return s
}

// startTCP serves s on a loopback listener until the test ends.
func startTCP(t *testing.T, s *Server) *net.TCPAddr {
	t.Helper()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeTCP(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("ServeTCP: %v", err)
		}
		s.wg.Wait()
	})
	return ln.Addr().(*net.TCPAddr)
}

func startUDP(t *testing.T, s *Server) *net.UDPAddr {
	t.Helper()

	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeUDP(ctx, pc) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("ServeUDP: %v", err)
		}
	})
	return pc.LocalAddr().(*net.UDPAddr)
}

// fetchTCP reads everything the server sends before closing.
func fetchTCP(t *testing.T, addr *net.TCPAddr) []byte {
	t.Helper()

	c, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, _ := io.ReadAll(c)
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

/*
-------------------------------------------------
Test: TCP client receives one timestamp
-------------------------------------------------
*/
func TestServer_TCPSendsTimestamp(t *testing.T) {
	s := newTestServer(t, nil)
	addr := startTCP(t, s)

	b := fetchTCP(t, addr)
	if len(b) != 4 {
		t.Fatalf("got %d bytes, want 4", len(b))
	}
	if ts := binary.BigEndian.Uint32(b); ts != uint32(fixedNow.Unix()) {
		t.Fatalf("timestamp=%d", ts)
	}

	waitFor(t, "session release", func() bool {
		return s.Register().ActiveConnectionsCount() == 0
	})
	if s.reg.Stats().Accepted != 1 {
		t.Fatalf("accepted=%d", s.reg.Stats().Accepted)
	}
}

func TestServer_RFC868Epoch(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.Epoch = config.EpochRFC868
	})
	addr := startTCP(t, s)

	b := fetchTCP(t, addr)
	if len(b) != 4 {
		t.Fatalf("got %d bytes", len(b))
	}
	if ts := binary.BigEndian.Uint32(b); ts != uint32(fixedNow.Unix()+2208988800) {
		t.Fatalf("timestamp=%d", ts)
	}
}

/*
-------------------------------------------------
Test: rejected client gets nothing, no leak
-------------------------------------------------
*/
func TestServer_ACLRejectsConnection(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.ACL.Enabled = true
		c.ACL.DefaultAction = "deny"
	})
	addr := startTCP(t, s)

	if b := fetchTCP(t, addr); len(b) != 0 {
		t.Fatalf("denied client received %d bytes", len(b))
	}

	waitFor(t, "rejection", func() bool {
		return s.reg.Stats().Rejected == 1
	})
	st := s.reg.Stats()
	if st.Active != 0 || st.Accepted != 0 {
		t.Fatalf("register after rejection: %+v", st)
	}
	if s.gate.Limiter.ActiveConnections("127.0.0.1") != 0 {
		t.Fatal("limiter connection leaked")
	}
}

func TestServer_RateLimitedRequestGetsNothing(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimiter.Enabled = true
		c.RateLimiter.Rate = 1
		c.RateLimiter.Burst = 1
	})
	addr := startTCP(t, s)

	if b := fetchTCP(t, addr); len(b) != 4 {
		t.Fatalf("first request got %d bytes", len(b))
	}
	if b := fetchTCP(t, addr); len(b) != 0 {
		t.Fatalf("rate limited request got %d bytes", len(b))
	}

	waitFor(t, "session release", func() bool {
		return s.reg.ActiveConnectionsCount() == 0 &&
			s.gate.Limiter.ActiveConnections("127.0.0.1") == 0
	})
}

/*
-------------------------------------------------
Test: many clients concurrently → no leaks
-------------------------------------------------
*/
func TestServer_NoLeaksUnderConcurrency(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.MaxConnections = 20
		c.RateLimiter.Enabled = true
		c.RateLimiter.Burst = 100
		c.RateLimiter.MaxConnectionsPerClient = 20
	})
	addr := startTCP(t, s)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := net.DialTCP("tcp", nil, addr)
			if err != nil {
				t.Error(err)
				return
			}
			defer c.Close()
			c.SetReadDeadline(time.Now().Add(2 * time.Second))
			io.ReadAll(c)
		}()
	}
	wg.Wait()

	waitFor(t, "all sessions released", func() bool {
		return s.reg.ActiveConnectionsCount() == 0 &&
			s.gate.Limiter.ActiveConnections("127.0.0.1") == 0
	})
	if st := s.reg.Stats(); st.Accepted+st.Rejected != n {
		t.Fatalf("accepted=%d rejected=%d", st.Accepted, st.Rejected)
	}
}

func TestServer_ShutdownStopsAccept(t *testing.T) {
	s := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeTCP(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeTCP: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeTCP did not return after cancel")
	}
}

/*
-------------------------------------------------
Test: UDP
-------------------------------------------------
*/
func udpExchange(t *testing.T, addr *net.UDPAddr, req []byte) []byte {
	t.Helper()

	c, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func TestServer_UDPAnswersDatagrams(t *testing.T) {
	s := newTestServer(t, nil)
	addr := startUDP(t, s)

	req := timeproto.NewPacket(uint32(fixedNow.Unix())).Encode()
	b := udpExchange(t, addr, req)
	if len(b) != 4 {
		t.Fatalf("got %d bytes", len(b))
	}
	if ts := binary.BigEndian.Uint32(b); ts != uint32(fixedNow.Unix()) {
		t.Fatalf("timestamp=%d", ts)
	}

	ext := timeproto.Packet{Timestamp: 1, Version: 1, Mode: timeproto.ModeClient}.EncodeExtended()
	if b := udpExchange(t, addr, ext); len(b) != 4 {
		t.Fatalf("extended request got %d bytes", len(b))
	}
}

func TestServer_UDPDropsMalformed(t *testing.T) {
	s := newTestServer(t, nil)
	addr := startUDP(t, s)

	if b := udpExchange(t, addr, []byte{1, 2, 3}); b != nil {
		t.Fatal("short datagram answered")
	}
	future := timeproto.NewPacket(uint32(fixedNow.Unix()) + 7200).Encode()
	if b := udpExchange(t, addr, future); b != nil {
		t.Fatal("future timestamp answered")
	}
}

func TestServer_UDPRespectsGate(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimiter.Enabled = true
		c.RateLimiter.Rate = 1
		c.RateLimiter.Burst = 1
	})
	addr := startUDP(t, s)

	req := timeproto.NewPacket(uint32(fixedNow.Unix())).Encode()
	if b := udpExchange(t, addr, req); len(b) != 4 {
		t.Fatal("first datagram not answered")
	}
	if b := udpExchange(t, addr, req); b != nil {
		t.Fatal("rate limited datagram answered")
	}
}

/*
-------------------------------------------------
Register and address helpers
-------------------------------------------------
*/
func TestConnectionRegister_GlobalCap(t *testing.T) {
	reg := NewConnectionRegister(&config.ConnectionConfig{MaxConnections: 2})

	if ok, _ := reg.TryRegister("10.0.0.1"); !ok {
		t.Fatal("first rejected")
	}
	if ok, _ := reg.TryRegister("10.0.0.2"); !ok {
		t.Fatal("second rejected")
	}
	if ok, msg := reg.TryRegister("10.0.0.3"); ok || msg != "max_connections" {
		t.Fatalf("third: ok=%v msg=%q", ok, msg)
	}

	reg.Unregister("10.0.0.1")
	reg.Unregister("10.0.0.1")
	reg.Unregister("10.9.9.9")
	if reg.ActiveConnectionsCount() != 1 {
		t.Fatalf("active=%d", reg.ActiveConnectionsCount())
	}

	st := reg.Stats()
	if st.Accepted != 2 || st.Rejected != 1 || len(st.Clients) != 1 || st.Clients[0].IP != "10.0.0.2" {
		t.Fatalf("stats=%+v", st)
	}
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 37}, "10.0.0.1"},
		{&net.UDPAddr{IP: net.ParseIP("::ffff:192.168.1.5"), Port: 37}, "192.168.1.5"},
		{&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 37}, "2001:db8::1"},
		{nil, ""},
	}
	for _, c := range cases {
		if got := ExtractIP(c.addr); got != c.want {
			t.Errorf("ExtractIP(%v)=%q want %q", c.addr, got, c.want)
		}
	}
}
