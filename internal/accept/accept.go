// Package accept runs the listener loops of spec §4.3: one goroutine
// per configured listen endpoint, each accepting downstream TCP
// connections, rate-limiting by client IP, and handing every accepted
// connection off to the handshake coordinator followed by the relay
// engine, one goroutine per session.
package accept

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/internal/handshake"
	"github.com/socks5balancer/gobalancer/internal/metrics"
	"github.com/socks5balancer/gobalancer/internal/ratelimit"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/relay"
	"github.com/socks5balancer/gobalancer/internal/session"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// Manager owns every listener and the handle counter shared across
// them, and runs the registry's periodic sampling/cleanup ticks (spec
// §4.2 "calc_byte_all" every 1s, "remove_expired_session_all" every
// 5s).
type Manager struct {
	cfg       *config.Config
	pool      *upstreampool.Pool
	reg       *registry.Registry
	auth      *authdir.Directory
	limiter   *ratelimit.Limiter
	relay     *relay.Engine
	collector *metrics.Collector
	log       *logger.Logger

	handleSeq atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New builds a Manager. limiter may be nil, in which case every
// connection is accepted unconditionally.
func New(cfg *config.Config, pool *upstreampool.Pool, reg *registry.Registry, auth *authdir.Directory, limiter *ratelimit.Limiter, collector *metrics.Collector, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default
	}
	eng := relay.New(reg, log)
	eng.SetCollector(collector)
	return &Manager{
		cfg:       cfg,
		pool:      pool,
		reg:       reg,
		auth:      auth,
		limiter:   limiter,
		relay:     eng,
		collector: collector,
		log:       log,
	}
}

// Run binds every configured listen endpoint and blocks until ctx is
// cancelled, then closes every listener and waits for in-flight
// sessions' accept goroutines to notice and return. It does not wait
// for relayed sessions themselves to finish; those close on their own
// via the session's context derivation from ctx.
func (m *Manager) Run(ctx context.Context) error {
	addrs := m.cfg.ListenAddrs()
	listeners := make([]net.Listener, 0, len(addrs))
	for _, a := range addrs {
		addr := net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, prior := range listeners {
				prior.Close()
			}
			return apperrors.Wrap(apperrors.KindProtocol, "listen on "+addr, err)
		}
		m.log.Info("accept: listening on %s", addr)
		listeners = append(listeners, ln)
	}

	m.mu.Lock()
	m.listeners = listeners
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for _, ln := range m.listeners {
			ln.Close()
		}
		m.mu.Unlock()
	}()

	m.wg.Add(len(listeners) + 2)
	go m.runCalcByteAllTicker(ctx)
	go m.runExpiredSessionTicker(ctx)
	for _, ln := range listeners {
		go m.acceptLoop(ctx, ln)
	}

	m.wg.Wait()
	return nil
}

func (m *Manager) runCalcByteAllTicker(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reg.CalcByteAll()
		}
	}
}

func (m *Manager) runExpiredSessionTicker(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reg.RemoveExpiredSessionAll()
		}
	}
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) {
	defer m.wg.Done()
	listenAddr := ln.Addr().String()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.log.Error("accept: listener %s accept error: %v", listenAddr, err)
				return
			}
		}

		if m.limiter != nil {
			if m.limiter.IsBanned(conn.RemoteAddr()) || !m.limiter.AllowConnection(conn.RemoteAddr()) {
				conn.Close()
				continue
			}
		}

		m.pool.UpdateLastConnectComeTime()
		go m.handleConn(ctx, conn, listenAddr)
	}
}

func (m *Manager) handleConn(ctx context.Context, conn net.Conn, listenAddr string) {
	defer func() {
		if m.limiter != nil {
			m.limiter.ReleaseConnection(conn.RemoteAddr())
		}
	}()

	clientAddrPort := conn.RemoteAddr().String()
	clientIP, _, _ := net.SplitHostPort(clientAddrPort)

	handle := m.handleSeq.Add(1)
	sess := session.New(ctx, handle, conn, clientAddrPort, clientIP, listenAddr)
	// Cancelling ctx closes the session; Close also cancels the session's
	// own context, so this goroutine ends either way.
	go func() {
		<-sess.Context().Done()
		sess.Close(ctx.Err())
	}()

	if m.collector != nil {
		m.collector.SessionAccepted()
	}
	sess.OnClose(func(_ *session.Session, _ error) {
		m.reg.RemoveSession(handle)
		if m.collector != nil {
			m.collector.SessionClosed()
		}
	})

	deps := handshake.Deps{
		Auth:           m.auth,
		Pool:           m.pool,
		Registry:       m.reg,
		Metrics:        m.collector,
		DisableSocks4:  m.cfg.DisableSocks4,
		RetryTimes:     m.cfg.RetryTimes,
		ConnectTimeout: m.cfg.ConnectTimeoutDuration(),
		Log:            m.log,
	}

	if err := handshake.Run(sess, deps); err != nil {
		m.log.Debug("accept: handshake failed for %s: %v", clientAddrPort, err)
		if m.collector != nil {
			m.collector.HandshakeError()
		}
		sess.Close(err)
		return
	}

	m.relay.Run(sess)
}
