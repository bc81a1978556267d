package upstreampool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/internal/httpsprobe"
	"github.com/socks5balancer/gobalancer/internal/tcpprobe"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// Rule is the selection policy enum of spec §3.
type Rule string

const (
	RuleLoop         Rule = "loop"
	RuleRandom       Rule = "random"
	RuleOneByOne     Rule = "one_by_one"
	RuleChangeByTime Rule = "change_by_time"
	RuleInherit      Rule = "inherit"
)

// ParseRule validates a rule string. "inherit" is returned unchanged;
// GlobalRule is what coerces it to "random" at the global level.
func ParseRule(s string) (Rule, error) {
	switch Rule(s) {
	case RuleLoop, RuleRandom, RuleOneByOne, RuleChangeByTime:
		return Rule(s), nil
	case RuleInherit:
		return RuleInherit, nil
	default:
		return "", fmt.Errorf("unknown selection rule %q", s)
	}
}

// GlobalRule coerces inherit to random, the rule that applies when a
// global-level selector is configured as "inherit".
func GlobalRule(r Rule) Rule {
	if r == RuleInherit {
		return RuleRandom
	}
	return r
}

// Pool owns the upstream list and the probe scheduler. It is
// multi-strand-shared (spec §5): all mutation goes through atomics or
// the mutex below, never per-caller locks.
type Pool struct {
	log *logger.Logger

	mu      sync.RWMutex
	servers []*Server

	globalRule Rule
	serverChangeTime time.Duration

	globalCursor atomic.Int32
	lastChangeUnixMs atomic.Int64

	lastConnectComeUnixMs atomic.Int64
	sleepAfter            time.Duration

	disableConnectTest bool
	connectTimeout     time.Duration
	tcpCheckPeriod     time.Duration
	tcpCheckStart      time.Duration
	connectCheckPeriod time.Duration
	connectCheckStart  time.Duration
	additionCheckPeriod time.Duration

	httpsProber *httpsprobe.Prober

	recoveryRunning  atomic.Bool
	lastRecoveryUnix atomic.Int64

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Pool from cfg. It does not start the probe timers; call
// StartCheckTimers for that.
func New(cfg *config.Config, log *logger.Logger) (*Pool, error) {
	rule, err := ParseRule(cfg.UpstreamSelectRule)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default
	}

	p := &Pool{
		log:                 log,
		globalRule:          rule,
		serverChangeTime:    cfg.ServerChangeDuration(),
		disableConnectTest:  cfg.DisableConnectTest,
		connectTimeout:      cfg.ConnectTimeoutDuration(),
		tcpCheckPeriod:      cfg.TcpCheckPeriodDuration(),
		tcpCheckStart:       cfg.TcpCheckStartDuration(),
		connectCheckPeriod:  cfg.ConnectCheckPeriodDuration(),
		connectCheckStart:   cfg.ConnectCheckStartDuration(),
		additionCheckPeriod: cfg.AdditionCheckPeriodDuration(),
		sleepAfter:          cfg.SleepDuration(),
		httpsProber: httpsprobe.New(httpsprobe.Target{
			Host: cfg.TestRemoteHost,
			Port: cfg.TestRemotePort,
		}, 30*time.Second),
	}
	p.SetConfig(cfg)
	return p, nil
}

// SetConfig replaces the server list, resetting all per-server state to
// "unknown" (spec §4.1 "set_config"). Existing selection cursors are
// reset to zero since the indices they referred to may no longer exist.
func (p *Pool) SetConfig(cfg *config.Config) {
	servers := make([]*Server, 0, len(cfg.Upstream))
	for i, u := range cfg.Upstream {
		servers = append(servers, NewServer(i, u.Name, u.Host, u.Port, u.AuthUser, u.AuthPwd, u.Disable))
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	p.globalCursor.Store(0)
	p.lastChangeUnixMs.Store(0)
}

// Servers returns a snapshot slice of the current server list. Callers
// must not retain it past the next SetConfig.
func (p *Pool) Servers() []*Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Server, len(p.servers))
	copy(out, p.servers)
	return out
}

// ServerByIndex returns the server at idx, or nil if out of range.
func (p *Pool) ServerByIndex(idx int) *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx < 0 || idx >= len(p.servers) {
		return nil
	}
	return p.servers[idx]
}

func (p *Pool) valid(s *Server) bool {
	return s.EffectiveHealthy(p.disableConnectTest)
}

// GetServerGlobal applies the global selection rule using the pool's own
// shared cursor (spec §4.1). sessionID is accepted for parity with the
// contract and is not used.
func (p *Pool) GetServerGlobal(sessionID int64) (*Server, bool) {
	p.mu.RLock()
	rule := GlobalRule(p.globalRule)
	p.mu.RUnlock()
	return p.selectWithCursor(rule, &p.globalCursor, false, true)
}

// SetGlobalRule changes the pool-wide selection rule (spec §4.5's
// newRule with no _target), resetting the shared cursor since it may
// be meaningless under the new rule.
func (p *Pool) SetGlobalRule(rule Rule) {
	p.mu.Lock()
	p.globalRule = rule
	p.mu.Unlock()
	p.globalCursor.Store(0)
	p.lastChangeUnixMs.Store(0)
}

// ForceUseServerNow pins the global cursor so the very next
// loop/one_by_one/change_by_time call through GetServerGlobal returns
// the server at idx (spec §4.5's forceNowUseServer).
func (p *Pool) ForceUseServerNow(idx int) {
	p.globalCursor.Store(int32(idx))
}

// GetServerByHint applies rule using the caller-owned cursor hint. If
// rule is "inherit", it returns (nil,false) when dontFallbackToGlobal is
// true, else it defers to GetServerGlobal.
func (p *Pool) GetServerByHint(rule Rule, hint *atomic.Int32, dontFallbackToGlobal bool) (*Server, bool) {
	if rule == RuleInherit {
		if dontFallbackToGlobal {
			return nil, false
		}
		return p.GetServerGlobal(0)
	}
	return p.selectWithCursor(rule, hint, false, false)
}

// selectWithCursor implements random/loop/one_by_one/change_by_time
// against the given cursor. isGlobalCall is true only for
// calls through GetServerGlobal: per the decided Open Question, hint
// cursors never advance the shared change_by_time timer.
func (p *Pool) selectWithCursor(rule Rule, cursor *atomic.Int32, _ bool, isGlobalCall bool) (*Server, bool) {
	p.mu.RLock()
	servers := p.servers
	n := len(servers)
	p.mu.RUnlock()

	if n == 0 {
		return nil, false
	}

	switch rule {
	case RuleRandom:
		return p.selectRandom(servers)
	case RuleLoop:
		return p.selectLoop(servers, cursor)
	case RuleOneByOne:
		return p.selectOneByOne(servers, cursor)
	case RuleChangeByTime:
		now := time.Now()
		if isGlobalCall {
			last := p.lastChangeUnixMs.Load()
			if last == 0 || now.Sub(time.UnixMilli(last)) > p.serverChangeTime {
				p.lastChangeUnixMs.Store(now.UnixMilli())
				return p.selectLoop(servers, cursor)
			}
			return p.selectOneByOne(servers, cursor)
		}
		// Hint-cursor change_by_time callers have no shared timer to
		// consult; behave as one_by_one, consistent with the Open
		// Question decision recorded in DESIGN.md.
		return p.selectOneByOne(servers, cursor)
	default:
		return nil, false
	}
}

func (p *Pool) selectRandom(servers []*Server) (*Server, bool) {
	valid := make([]*Server, 0, len(servers))
	for _, s := range servers {
		if p.valid(s) {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, false
	}
	return valid[rand.Intn(len(valid))], true
}

func (p *Pool) selectLoop(servers []*Server, cursor *atomic.Int32) (*Server, bool) {
	n := int32(len(servers))
	start := cursor.Load() % n
	for i := int32(0); i < n; i++ {
		idx := (start + i) % n
		if p.valid(servers[idx]) {
			cursor.Store((idx + 1) % n)
			return servers[idx], true
		}
	}
	return nil, false
}

func (p *Pool) selectOneByOne(servers []*Server, cursor *atomic.Int32) (*Server, bool) {
	n := int32(len(servers))
	idx := cursor.Load() % n
	if p.valid(servers[idx]) {
		return servers[idx], true
	}
	return p.selectLoop(servers, cursor)
}

// ForceCheckNow schedules an immediate probe burst against every
// non-operator-disabled server, bypassing the idle gate.
func (p *Pool) ForceCheckNow() {
	for _, s := range p.Servers() {
		if !s.OperatorDisabled.Load() {
			go p.probeOne(context.Background(), s)
		}
	}
}

// ForceCheckOne schedules an immediate probe burst against one server.
func (p *Pool) ForceCheckOne(idx int) {
	if s := p.ServerByIndex(idx); s != nil {
		go p.probeOne(context.Background(), s)
	}
}

// UpdateLastConnectComeTime is called by the accept loop on every new
// client; it gates the probe-sleep optimization.
func (p *Pool) UpdateLastConnectComeTime() {
	p.lastConnectComeUnixMs.Store(time.Now().UnixMilli())
}

func (p *Pool) idleGateFired() bool {
	if p.sleepAfter <= 0 {
		return false
	}
	last := p.lastConnectComeUnixMs.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.UnixMilli(last)) > p.sleepAfter
}

func (p *Pool) probeOne(ctx context.Context, s *Server) {
	now := time.Now()
	tcpRes := tcpprobe.Probe(ctx, s.Host, s.Port, p.connectTimeout)
	s.RecordTCPProbe(tcpRes.OK, tcpRes.RTT, now)

	httpsRes := p.httpsProber.Probe(ctx, httpsprobe.Upstream{
		Host: s.Host, Port: s.Port, AuthUser: s.AuthUser, AuthPwd: s.AuthPwd,
	})
	s.RecordHTTPSProbe(httpsRes.OK, httpsRes.RTT, httpsRes.StatusText, time.Now())
}

func (p *Pool) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// StartCheckTimers launches the three probe timers (spec §4.1). It is a
// no-op when probing is globally disabled.
func (p *Pool) StartCheckTimers(ctx context.Context) {
	if p.disableConnectTest {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(3)
	go p.runTicker(ctx, p.tcpCheckStart, p.tcpCheckPeriod, p.tickTCP)
	go p.runTicker(ctx, p.connectCheckStart, p.connectCheckPeriod, p.tickHTTPS)
	go p.runTicker(ctx, p.additionCheckPeriod, p.additionCheckPeriod, p.tickRecovery)
}

func (p *Pool) runTicker(ctx context.Context, initialDelay, period time.Duration, fn func(context.Context)) {
	defer p.wg.Done()

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !p.idleGateFired() {
				fn(ctx)
			}
			timer.Reset(period)
		}
	}
}

func (p *Pool) tickTCP(ctx context.Context) {
	for _, s := range p.Servers() {
		if s.OperatorDisabled.Load() {
			continue
		}
		s := s
		go func() {
			time.Sleep(p.jitter(p.additionCheckPeriod))
			now := time.Now()
			res := tcpprobe.Probe(ctx, s.Host, s.Port, p.connectTimeout)
			s.RecordTCPProbe(res.OK, res.RTT, now)
		}()
	}
}

func (p *Pool) tickHTTPS(ctx context.Context) {
	for _, s := range p.Servers() {
		if s.OperatorDisabled.Load() {
			continue
		}
		s := s
		go func() {
			time.Sleep(p.jitter(p.additionCheckPeriod))
			res := p.httpsProber.Probe(ctx, httpsprobe.Upstream{
				Host: s.Host, Port: s.Port, AuthUser: s.AuthUser, AuthPwd: s.AuthPwd,
			})
			s.RecordHTTPSProbe(res.OK, res.RTT, res.StatusText, time.Now())
		}()
	}
}

// tickRecovery runs a recovery probe burst iff every server is
// currently invalid, rate-limited by recoveryRunning with a 3x-period
// cooldown (spec §4.1).
func (p *Pool) tickRecovery(ctx context.Context) {
	servers := p.Servers()
	anyValid := false
	for _, s := range servers {
		if p.valid(s) {
			anyValid = true
			break
		}
	}
	if anyValid || len(servers) == 0 {
		return
	}

	if p.recoveryRunning.Load() {
		last := p.lastRecoveryUnix.Load()
		if time.Since(time.UnixMilli(last)) < 3*p.additionCheckPeriod {
			return
		}
	}

	p.recoveryRunning.Store(true)
	p.lastRecoveryUnix.Store(time.Now().UnixMilli())
	p.log.Debug("upstreampool: all servers invalid, running recovery probe burst")

	var wg sync.WaitGroup
	for _, s := range servers {
		if s.OperatorDisabled.Load() {
			continue
		}
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeOne(ctx, s)
		}()
	}
	go func() {
		wg.Wait()
		p.recoveryRunning.Store(false)
	}()
}

// Stop cancels all three timers. Outstanding probes complete with
// whatever result they were already computing and are simply dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}
