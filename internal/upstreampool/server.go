// Package upstreampool owns the list of SOCKS5 upstreams, schedules the
// TCP and HTTPS health probes, and implements the selection policies of
// spec §4.1.
package upstreampool

import (
	"sync"
	"sync/atomic"
	"time"
)

// DelaySample is one ring-buffer entry: a measured delay and the wall
// clock time it was recorded, as emitted by the admin /delayInfo
// endpoint (spec §4.5).
type DelaySample struct {
	DelayMs    int64 `json:"delay"`
	TimeUnixMs int64 `json:"time"`
}

// DelayHistory is a fixed-capacity ring buffer of DelaySamples, grounded
// on original_source/src/DelayCollection.h: three independent instances
// live on each Server (tcp, https, relay-first). relay-first is built
// but never fed — see Server.RelayDelay doc.
type DelayHistory struct {
	mu      sync.Mutex
	samples []DelaySample
	cap     int
	next    int
	full    bool
}

// NewDelayHistory builds a ring buffer holding at most capacity samples.
func NewDelayHistory(capacity int) *DelayHistory {
	if capacity <= 0 {
		capacity = 32
	}
	return &DelayHistory{samples: make([]DelaySample, capacity), cap: capacity}
}

// Add records one sample, evicting the oldest once the buffer is full.
func (h *DelayHistory) Add(delay time.Duration, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = DelaySample{DelayMs: delay.Milliseconds(), TimeUnixMs: at.UnixMilli()}
	h.next = (h.next + 1) % h.cap
	if h.next == 0 {
		h.full = true
	}
}

// Snapshot returns samples oldest-first.
func (h *DelayHistory) Snapshot() []DelaySample {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		out := make([]DelaySample, h.next)
		copy(out, h.samples[:h.next])
		return out
	}
	out := make([]DelaySample, h.cap)
	copy(out, h.samples[h.next:])
	copy(out[h.cap-h.next:], h.samples[:h.next])
	return out
}

// Server is one upstream SOCKS5 proxy record (spec §3 "Upstream
// server"). Index is stable for the server's lifetime and assigned by
// insertion order. Fields are mutated only by the pool and by probe
// callbacks; sessions only read it through Session.Upstream().
type Server struct {
	Index int
	Name  string
	Host  string
	Port  int

	AuthUser string
	AuthPwd  string

	OperatorDisabled atomic.Bool
	Offline          atomic.Bool
	LastConnectFailed atomic.Bool

	liveConnections atomic.Int64

	mu                    sync.Mutex
	hasLastOnlineTime     bool
	hasLastConnectTime    bool
	lastOnlineTime        time.Time
	lastConnectTime       time.Time
	lastOnlineRTT         time.Duration
	lastConnectRTT        time.Duration
	lastConnectCheckText  string

	TCPDelay   *DelayHistory
	HTTPSDelay *DelayHistory
	// RelayDelay exists for parity with the source's three-history shape
	// but is deliberately never written to by the relay path: spec §9
	// records that relay-first-delay is captured in the source but never
	// set by any observable code path, and instructs implementers not to
	// guess its intended semantics. /delayInfo reports it as an empty
	// series.
	RelayDelay *DelayHistory
}

// NewServer builds a Server at the given stable index.
func NewServer(index int, name, host string, port int, authUser, authPwd string, disabled bool) *Server {
	s := &Server{
		Index:      index,
		Name:       name,
		Host:       host,
		Port:       port,
		AuthUser:   authUser,
		AuthPwd:    authPwd,
		TCPDelay:   NewDelayHistory(64),
		HTTPSDelay: NewDelayHistory(64),
		RelayDelay: NewDelayHistory(64),
	}
	s.OperatorDisabled.Store(disabled)
	// Unknown health until the first probe completes: offline=true,
	// lastConnectFailed=true mirror "no successful probe has ever run".
	s.Offline.Store(true)
	s.LastConnectFailed.Store(true)
	return s
}

// EffectiveHealthy implements the invariant of spec §3. When probing is
// globally disabled the condition collapses to just "not operator
// disabled".
func (s *Server) EffectiveHealthy(disableConnectTest bool) bool {
	if s.OperatorDisabled.Load() {
		return false
	}
	if disableConnectTest {
		return true
	}
	s.mu.Lock()
	ok := s.hasLastConnectTime && s.hasLastOnlineTime
	s.mu.Unlock()
	return ok && !s.LastConnectFailed.Load() && !s.Offline.Load()
}

// IncLiveConnections/DecLiveConnections track the session's upstream
// connectCount (spec §3 Session, §4.2 invariant #2).
func (s *Server) IncLiveConnections() { s.liveConnections.Add(1) }
func (s *Server) DecLiveConnections() {
	for {
		cur := s.liveConnections.Load()
		if cur <= 0 {
			return
		}
		if s.liveConnections.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
func (s *Server) LiveConnections() int64 { return s.liveConnections.Load() }

// RecordTCPProbe applies a TCP probe outcome (spec §4.1 "Probe
// outcomes"): success clears offline and, if we were transitioning from
// offline, also clears lastConnectFailed; failure sets offline.
func (s *Server) RecordTCPProbe(ok bool, rtt time.Duration, at time.Time) {
	wasOffline := s.Offline.Load()
	if ok {
		s.Offline.Store(false)
		if wasOffline {
			s.LastConnectFailed.Store(false)
		}
		s.mu.Lock()
		s.hasLastOnlineTime = true
		s.lastOnlineTime = at
		s.lastOnlineRTT = rtt
		s.mu.Unlock()
		s.TCPDelay.Add(rtt, at)
	} else {
		s.Offline.Store(true)
	}
}

// RecordHTTPSProbe applies an HTTPS-through-proxy probe outcome:
// success stamps lastConnectTime, clears lastConnectFailed, and records
// the textual result; failure sets lastConnectFailed.
func (s *Server) RecordHTTPSProbe(ok bool, rtt time.Duration, statusText string, at time.Time) {
	if ok {
		s.LastConnectFailed.Store(false)
		s.mu.Lock()
		s.hasLastConnectTime = true
		s.lastConnectTime = at
		s.lastConnectRTT = rtt
		s.lastConnectCheckText = statusText
		s.mu.Unlock()
		s.HTTPSDelay.Add(rtt, at)
	} else {
		s.LastConnectFailed.Store(true)
	}
}

// Snapshot is the read-only view exposed by the admin HTTP surface.
type Snapshot struct {
	Index                int    `json:"index"`
	Name                 string `json:"name"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	OperatorDisabled     bool   `json:"disable"`
	Offline              bool   `json:"offline"`
	LastConnectFailed    bool   `json:"lastConnectFailed"`
	EffectiveHealthy     bool   `json:"healthy"`
	LiveConnections      int64  `json:"liveConnections"`
	LastOnlineRTTMs      int64  `json:"lastOnlineRttMs"`
	LastConnectRTTMs     int64  `json:"lastConnectRttMs"`
	LastConnectCheckText string `json:"lastConnectCheckText"`
}

// Snapshot builds the admin-facing view of one server.
func (s *Server) Snapshot(disableConnectTest bool) Snapshot {
	healthy := s.EffectiveHealthy(disableConnectTest)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Index:                s.Index,
		Name:                 s.Name,
		Host:                 s.Host,
		Port:                 s.Port,
		OperatorDisabled:     s.OperatorDisabled.Load(),
		Offline:              s.Offline.Load(),
		LastConnectFailed:    s.LastConnectFailed.Load(),
		EffectiveHealthy:     healthy,
		LiveConnections:      s.liveConnections.Load(),
		LastOnlineRTTMs:      s.lastOnlineRTT.Milliseconds(),
		LastConnectRTTMs:     s.lastConnectRTT.Milliseconds(),
		LastConnectCheckText: s.lastConnectCheckText,
	}
}
