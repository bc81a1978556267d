package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/socks5balancer/gobalancer/internal/ratelimit"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

// sessionView is the JSON-facing projection of a live registry.SessionView.
type sessionView struct {
	Seq              int64  `json:"seq"`
	Handle           int64  `json:"handle"`
	UpstreamIndex    int32  `json:"upstreamIndex"`
	ClientAddrPort   string `json:"clientAddrPort"`
	ClientIP         string `json:"clientIp"`
	ListenAddr       string `json:"listenAddr"`
	StartTimeMs      int64  `json:"startTimeMs"`
	TargetHost       string `json:"targetHost"`
	TargetPort       int    `json:"targetPort"`
	TargetAddrString string `json:"targetAddrString"`
	AuthUserID       int    `json:"authUserId"`
}

func viewsToJSON(views []*registry.SessionView) []sessionView {
	out := make([]sessionView, 0, len(views))
	for _, v := range views {
		out = append(out, sessionView{
			Seq: v.Seq, Handle: v.Handle, UpstreamIndex: v.UpstreamIndex,
			ClientAddrPort: v.ClientAddrPort, ClientIP: v.ClientIP, ListenAddr: v.ListenAddr,
			StartTimeMs: v.StartTimeMs, TargetHost: v.TargetHost, TargetPort: v.TargetPort,
			TargetAddrString: v.TargetAddrString, AuthUserID: v.AuthUserID,
		})
	}
	return out
}

// bucketView is the JSON-facing projection of a registry.Bucket.
type bucketView struct {
	ByteUp               int64         `json:"byteUp"`
	ByteDown             int64         `json:"byteDown"`
	ByteUpChange         int64         `json:"byteUpChange"`
	ByteDownChange       int64         `json:"byteDownChange"`
	ByteUpChangeMax      int64         `json:"byteUpChangeMax"`
	ByteDownChangeMax    int64         `json:"byteDownChangeMax"`
	ConnectCount         int64         `json:"connectCount"`
	Rule                 string        `json:"rule"`
	LastUseUpstreamIndex int32         `json:"lastUseUpstreamIndex"`
	Sessions             []sessionView `json:"sessions"`
}

func bucketToJSON(b *registry.Bucket) bucketView {
	rule, _ := b.Rule.Load().(upstreampool.Rule)
	return bucketView{
		ByteUp:               b.ByteUp.Load(),
		ByteDown:             b.ByteDown.Load(),
		ByteUpChange:         b.ByteUpChange.Load(),
		ByteDownChange:       b.ByteDownChange.Load(),
		ByteUpChangeMax:      b.ByteUpChangeMax.Load(),
		ByteDownChangeMax:    b.ByteDownChangeMax.Load(),
		ConnectCount:         b.ConnectCount.Load(),
		Rule:                 string(rule),
		LastUseUpstreamIndex: b.LastUseUpstreamIndex.Load(),
		Sessions:             viewsToJSON(b.SessionViews()),
	}
}

// handleSnapshot serves GET / : config, pool, registry, and auth summary.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	servers := s.pool.Servers()
	serverSnaps := make([]upstreampool.Snapshot, 0, len(servers))
	for _, srv := range servers {
		serverSnaps = append(serverSnaps, srv.Snapshot(s.cfg.DisableConnectTest))
	}

	resp := struct {
		ListenHost         string                  `json:"listenHost"`
		ListenPort         int                     `json:"listenPort"`
		UpstreamSelectRule string                  `json:"upstreamSelectRule"`
		RetryTimes         int                     `json:"retryTimes"`
		DisableConnectTest bool                    `json:"disableConnectTest"`
		DisableSocks4      bool                    `json:"disableSocks4"`
		Upstream           []upstreampool.Snapshot `json:"upstream"`
		AuthUserCount      int                     `json:"authUserCount"`
		Counters           interface{}             `json:"counters"`
		RateLimit          ratelimit.GlobalStats   `json:"rateLimit"`
	}{
		ListenHost:         s.cfg.ListenHost,
		ListenPort:         s.cfg.ListenPort,
		UpstreamSelectRule: s.cfg.UpstreamSelectRule,
		RetryTimes:         s.cfg.RetryTimes,
		DisableConnectTest: s.cfg.DisableConnectTest,
		DisableSocks4:      s.cfg.DisableSocks4,
		Upstream:           serverSnaps,
		AuthUserCount:      len(s.auth.Users()),
		Counters:           s.collector.Snapshot(),
		RateLimit:          s.rateLimitStats(),
	}
	json.NewEncoder(w).Encode(resp)
}

// rateLimitStats returns the current accept-loop throttling summary, or
// the zero value when no limiter is wired (limiting disabled).
func (s *Server) rateLimitStats() ratelimit.GlobalStats {
	if s.limiter == nil {
		return ratelimit.GlobalStats{}
	}
	return s.limiter.GetGlobalStats()
}

// handleClientInfo serves GET /clientInfo?target=<ip>.
func (s *Server) handleClientInfo(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	b, ok := s.reg.BucketByClient(target)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(bucketToJSON(b))
}

// handleListenInfo serves GET /listenInfo?target=<ep>.
func (s *Server) handleListenInfo(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	b, ok := s.reg.BucketByListen(target)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(bucketToJSON(b))
}

// handleDelayInfo serves GET /delayInfo?backendServerIndex=N.
func (s *Server) handleDelayInfo(w http.ResponseWriter, r *http.Request) {
	idxStr := r.URL.Query().Get("backendServerIndex")
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		http.Error(w, "bad backendServerIndex", http.StatusBadRequest)
		return
	}
	srv := s.pool.ServerByIndex(idx)
	if srv == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp := struct {
		TCP   []upstreampool.DelaySample `json:"tcpPing"`
		HTTPS []upstreampool.DelaySample `json:"httpPing"`
		Relay []upstreampool.DelaySample `json:"relayFirstDelay"`
	}{
		TCP:   srv.TCPDelay.Snapshot(),
		HTTPS: srv.HTTPSDelay.Snapshot(),
		Relay: srv.RelayDelay.Snapshot(),
	}
	json.NewEncoder(w).Encode(resp)
}
