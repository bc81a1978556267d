// Package session defines the Session type shared by the handshake
// coordinator, relay engine, statistics registry, and accept loop (spec
// §3 "Session"). It intentionally holds no behavior beyond lifecycle
// bookkeeping so that those packages can depend on it without a cycle.
package session

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

// RelayBufSize is the fixed per-direction relay buffer size (spec §5).
const RelayBufSize = 8192

// Session is one end-to-end client connection and its chosen upstream
// connection. A Session is created by the accept loop and destroyed when
// its last outstanding operation completes; the registry holds only a
// weak.Pointer to it (plus its Handle), never a strong reference.
type Session struct {
	// Handle is a process-wide unique identity assigned at creation,
	// standing in for the source's raw-pointer registry index without
	// reaching for unsafe.Pointer.
	Handle int64

	Down net.Conn
	Up   net.Conn

	// DownReader/UpReader are what the relay engine actually reads from.
	// The handshake coordinator parses each side through a bufio.Reader
	// to do byte-at-a-time protocol sniffing; any bytes it buffered but
	// did not consume (a pipelined HTTP body, a chatty upstream) must
	// still reach the relay, so the coordinator hands the same reader
	// off here instead of letting the relay read the raw conn from
	// scratch. Defaults to Down/Up until the coordinator overrides them.
	DownReader io.Reader
	UpReader   io.Reader

	mu           sync.Mutex
	upstream     *upstreampool.Server
	retryCount   int
	connectCount atomic.Bool // true once we've incremented upstream.liveConnections

	ClientAddr      string // bare IP
	ClientAddrPort  string // ip:port
	ListenAddr      string // host:port this session was accepted on

	TargetHost       string
	TargetPort       int
	TargetAddrString string

	AuthUser *authdir.User

	DownBuf [RelayBufSize]byte
	UpBuf   [RelayBufSize]byte

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
	onClose    []func(*Session, error)
}

// New creates a Session bound to ctx. cancel is derived from ctx and
// invoked by Close so every pending I/O operation unblocks.
func New(ctx context.Context, handle int64, down net.Conn, clientAddrPort, clientAddr, listenAddr string) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		Handle:         handle,
		Down:           down,
		DownReader:     down,
		ctx:            sctx,
		cancel:         cancel,
		ClientAddr:     clientAddr,
		ClientAddrPort: clientAddrPort,
		ListenAddr:     listenAddr,
	}
}

// Context returns the session-scoped cancellation context; every I/O
// call in handshake/relay should be able to observe it.
func (s *Session) Context() context.Context { return s.ctx }

// SetUpConn attaches the dialed upstream socket, defaulting UpReader to
// it. Call SetUpstream separately to record the pool server reference.
func (s *Session) SetUpConn(conn net.Conn) {
	s.Up = conn
	s.UpReader = conn
}

// SetUpstream records the chosen upstream server and, if markConnected
// is true, increments its live-connection count exactly once.
func (s *Session) SetUpstream(u *upstreampool.Server, markConnected bool) {
	s.mu.Lock()
	s.upstream = u
	s.mu.Unlock()
	if markConnected && !s.connectCount.Swap(true) {
		u.IncLiveConnections()
	}
}

// Upstream returns the currently chosen upstream, or nil before
// selection / after a failed selection.
func (s *Session) Upstream() *upstreampool.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// IncRetry bumps the handshake retry counter and returns the new value.
func (s *Session) IncRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}

// RetryCount reads the current retry counter.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// OnClose registers a callback invoked exactly once when the session
// closes, in registration order. The accept loop uses it to detach the
// session's registry views and count the close in the metrics collector.
func (s *Session) OnClose(fn func(*Session, error)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Close tears the session down: close both sockets,
// cancel the context, decrement connectCount if it was ever
// incremented, and run every registered OnClose callback. Idempotent —
// a second call observes the same error and does no further work (spec
// §8 "closing an already-closed session is a no-op").
func (s *Session) Close(err error) error {
	s.closeOnce.Do(func() {
		s.closeErr = err
		if s.Down != nil {
			_ = s.Down.Close()
		}
		if s.Up != nil {
			_ = s.Up.Close()
		}
		s.cancel()

		if s.connectCount.Load() {
			if u := s.Upstream(); u != nil {
				u.DecLiveConnections()
			}
		}

		s.mu.Lock()
		callbacks := s.onClose
		s.mu.Unlock()
		for _, fn := range callbacks {
			fn(s, err)
		}
	})
	return s.closeErr
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
