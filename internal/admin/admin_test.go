package admin

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/internal/metrics"
	"github.com/socks5balancer/gobalancer/internal/ratelimit"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		ListenHost:         "127.0.0.1",
		ListenPort:         5000,
		UpstreamSelectRule: "random",
		RetryTimes:         3,
		DisableConnectTest: true,
		Upstream: []config.UpstreamServer{
			{Name: "a", Host: "127.0.0.1", Port: 11080},
			{Name: "b", Host: "127.0.0.1", Port: 11081},
		},
	}
	pool, err := upstreampool.New(cfg, nil)
	if err != nil {
		t.Fatalf("upstreampool.New: %v", err)
	}
	reg := registry.New(nil)
	auth := authdir.New(nil)
	collector := metrics.NewCollector(nil)
	limiter := ratelimit.NewLimiter(nil)
	return New("127.0.0.1:0", cfg, pool, reg, auth, limiter, collector, nil, nil)
}

func TestHandleSnapshot(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no CORS header without Origin, got %q", origin)
	}

	var body struct {
		Upstream  []upstreampool.Snapshot `json:"upstream"`
		RateLimit ratelimit.GlobalStats   `json:"rateLimit"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Upstream) != 2 {
		t.Fatalf("expected 2 upstreams, got %d", len(body.Upstream))
	}
	if body.RateLimit.MaxPerIP != 100 {
		t.Fatalf("expected default MaxPerIP=100 from a disabled limiter, got %d", body.RateLimit.MaxPerIP)
	}
}

func TestHandleSnapshotMirrorsOrigin(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHandleOpDisableEnable(t *testing.T) {
	s := testServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/op?disable=0", nil))
	if !s.pool.ServerByIndex(0).OperatorDisabled.Load() {
		t.Fatalf("server 0 should be operator-disabled")
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/op?enable=0", nil))
	if s.pool.ServerByIndex(0).OperatorDisabled.Load() {
		t.Fatalf("server 0 should be re-enabled")
	}
}

func TestHandleOpBadIndexReportsError(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/op?disable=not-a-number", nil))

	var resp struct {
		OK     bool     `json:"ok"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || len(resp.Errors) == 0 {
		t.Fatalf("expected a reported error, got %+v", resp)
	}
}

func TestHandleOpNewRuleGlobal(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/op?newRule=loop", nil))

	var resp struct {
		OK bool `json:"ok"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.OK {
		t.Fatalf("expected ok=true, got %s", rr.Body.String())
	}
}

func TestHandleClientInfoNotFound(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/clientInfo?target=1.2.3.4", nil))
	if rr.Code != 404 {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHandleDelayInfo(t *testing.T) {
	s := testServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/delayInfo?backendServerIndex=0", nil))
	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		TCP []upstreampool.DelaySample `json:"tcpPing"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TCP == nil {
		t.Fatalf("expected an (empty) tcpPing array, got nil")
	}
}
