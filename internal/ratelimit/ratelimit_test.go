package ratelimit

import (
	"net"
	"testing"
	"time"
)

func tcpClient(ip string) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 54000}
}

func enabledLimiter(perIP, perMinute, banSeconds int) *Limiter {
	return NewLimiter(&Config{
		Enabled:                 true,
		MaxConnectionsPerIP:     perIP,
		MaxConnectionsPerMinute: perMinute,
		BanDurationSeconds:      banSeconds,
		CleanupIntervalSeconds:  0, // no background goroutine in tests
	})
}

func TestNewLimiterNilConfigIsDisabled(t *testing.T) {
	l := NewLimiter(nil)
	client := tcpClient("10.0.0.5")
	for i := 0; i < 1000; i++ {
		if !l.AllowConnection(client) {
			t.Fatalf("a nil-config limiter must never refuse a connection")
		}
	}
	stats := l.GetGlobalStats()
	if stats.MaxPerIP != 100 || stats.MaxPerMinute != 60 || stats.BanDurationSecs != 300 {
		t.Fatalf("unexpected stock defaults: %+v", stats)
	}
}

func TestAllowConnectionDisabledNeverTracks(t *testing.T) {
	l := NewLimiter(&Config{Enabled: false})
	client := tcpClient("10.0.0.6")
	l.AllowConnection(client)
	l.AllowConnection(client)

	if got := l.GetGlobalStats().TrackedIPs; got != 0 {
		t.Fatalf("disabled limiter should not bucket IPs, tracked %d", got)
	}
}

func TestMaxConnectionsPerIPGatesTheThirdSession(t *testing.T) {
	l := enabledLimiter(2, 0, 60)
	client := tcpClient("203.0.113.9")

	if !l.AllowConnection(client) {
		t.Fatalf("1st session should be admitted")
	}
	if !l.AllowConnection(client) {
		t.Fatalf("2nd session should be admitted")
	}
	if l.AllowConnection(client) {
		t.Fatalf("3rd concurrent session should be refused at MaxConnectionsPerIP=2")
	}

	l.ReleaseConnection(client)
	if !l.AllowConnection(client) {
		t.Fatalf("a session should be admitted again after one is released")
	}
}

func TestMaxConnectionsPerMinuteBansAfterBurst(t *testing.T) {
	l := enabledLimiter(0, 3, 120)
	client := tcpClient("198.51.100.4")

	for i := 0; i < 3; i++ {
		if !l.AllowConnection(client) {
			t.Fatalf("connection %d within the per-minute budget should be admitted", i+1)
		}
	}
	if l.AllowConnection(client) {
		t.Fatalf("4th connection within a minute should trip the ban")
	}
	if !l.IsBanned(client) {
		t.Fatalf("client should be banned after tripping the per-minute limit")
	}
	if l.AllowConnection(client) {
		t.Fatalf("banned client should stay refused even under the per-IP budget")
	}
}

func TestReleaseConnectionNeverGoesNegative(t *testing.T) {
	l := enabledLimiter(5, 0, 60)
	client := tcpClient("192.0.2.11")

	l.ReleaseConnection(client) // no prior AllowConnection call for this IP
	stats := l.GetStats(client)
	if stats.ActiveConnections != 0 {
		t.Fatalf("releasing an untracked IP must not underflow, got %d", stats.ActiveConnections)
	}
}

func TestGetStatsUnknownClientReturnsZeroValue(t *testing.T) {
	l := enabledLimiter(5, 5, 60)
	stats := l.GetStats(tcpClient("192.0.2.200"))
	if stats.IP != "192.0.2.200" || stats.ActiveConnections != 0 || stats.Banned {
		t.Fatalf("unseen client should report a zeroed view, got %+v", stats)
	}
}

func TestGetGlobalStatsAggregatesAcrossClients(t *testing.T) {
	l := enabledLimiter(10, 10, 60)
	a, b := tcpClient("10.1.1.1"), tcpClient("10.1.1.2")

	l.AllowConnection(a)
	l.AllowConnection(a)
	l.AllowConnection(b)

	stats := l.GetGlobalStats()
	if stats.TrackedIPs != 2 {
		t.Fatalf("expected 2 tracked IPs, got %d", stats.TrackedIPs)
	}
	if stats.TotalActive != 3 {
		t.Fatalf("expected 3 active sessions total, got %d", stats.TotalActive)
	}
	if stats.BannedIPs != 0 {
		t.Fatalf("expected no banned IPs, got %d", stats.BannedIPs)
	}
}

func TestCleanupDropsIdleClientsOnly(t *testing.T) {
	l := enabledLimiter(5, 5, 60)
	idle, active := tcpClient("172.16.0.1"), tcpClient("172.16.0.2")

	l.AllowConnection(idle)
	l.ReleaseConnection(idle) // idle: no active sessions, nothing recent
	l.AllowConnection(active) // active: still holds a live session

	// Backdate the idle client's last connection so cleanup treats it as stale.
	l.mu.Lock()
	l.stats["172.16.0.1"].connectionTimes[0] = time.Now().Add(-10 * time.Minute)
	l.mu.Unlock()

	l.cleanup()

	l.mu.RLock()
	_, idleStillTracked := l.stats["172.16.0.1"]
	_, activeStillTracked := l.stats["172.16.0.2"]
	l.mu.RUnlock()

	if idleStillTracked {
		t.Fatalf("cleanup should have dropped the idle client")
	}
	if !activeStillTracked {
		t.Fatalf("cleanup must not drop a client with a live session")
	}
}

func TestExtractIPStripsEphemeralPort(t *testing.T) {
	cases := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"tcp", &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 61234}, "203.0.113.1"},
		{"udp", &net.UDPAddr{IP: net.ParseIP("203.0.113.2"), Port: 61235}, "203.0.113.2"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := extractIP(c.addr); got != c.want {
				t.Fatalf("extractIP(%v) = %q, want %q", c.addr, got, c.want)
			}
		})
	}
}

func TestConcurrentAllowConnectionRespectsThePerIPCap(t *testing.T) {
	l := enabledLimiter(50, 0, 60)
	client := tcpClient("198.18.0.1")

	const attempts = 200
	admitted := make(chan bool, attempts)
	done := make(chan struct{})
	for i := 0; i < attempts; i++ {
		go func() { admitted <- l.AllowConnection(client) }()
	}
	go func() {
		for i := 0; i < attempts; i++ {
			<-admitted
		}
		close(done)
	}()
	<-done

	stats := l.GetStats(client)
	if stats.ActiveConnections != 50 {
		t.Fatalf("concurrent admits should stop exactly at MaxConnectionsPerIP=50, got %d", stats.ActiveConnections)
	}
}
