package handshake

import (
	"bufio"
	"net"
	"strconv"
	"time"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/metrics"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/session"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// Deps are the shared collaborators the coordinator needs; Run does not
// hold onto them past its own return.
type Deps struct {
	Auth           *authdir.Directory
	Pool           *upstreampool.Pool
	Registry       *registry.Registry
	Metrics        *metrics.Collector
	DisableSocks4  bool
	RetryTimes     int
	ConnectTimeout time.Duration
	Log            *logger.Logger
}

// Run drives one session's handshake to completion: downstream protocol
// detection and auth, upstream selection with retry, and the final
// rendezvous that only releases the client's acknowledgement once the
// upstream side is confirmed ready (spec §4.3 contracts 1-3). On success
// sess.DownReader/UpReader are set to the buffered readers used during
// negotiation and the caller should proceed straight to the relay
// engine; on error the caller should close the session.
func Run(sess *session.Session, deps Deps) error {
	if deps.Log == nil {
		deps.Log = logger.Default
	}

	br := bufio.NewReader(sess.Down)

	proto, err := detectProtocol(br, deps.DisableSocks4)
	if err != nil {
		return err
	}

	var down *downstreamResult
	switch proto {
	case protoSocks5:
		down, err = socks5Server(br, sess.Down, deps.Auth)
	case protoSocks4:
		down, err = socks4Server(br, sess.Down, deps.Auth)
	case protoHTTP:
		down, err = httpServer(br, sess.Down, deps.Auth)
	default:
		err = apperrors.New(apperrors.KindProtocol, "handshake: undetected protocol")
	}
	if err != nil {
		return err
	}
	// readyDown: only the final client acknowledgement remains. The
	// downstream reader may already hold buffered bytes (a pipelined
	// request body after CONNECT, for instance); relay must keep reading
	// from the same reader rather than the raw socket.
	sess.DownReader = br

	if down.authUserID >= 0 && deps.Auth != nil {
		if u, ok := deps.Auth.LookupID(down.authUserID); ok {
			sess.AuthUser = u
		}
	}

	sess.TargetHost = down.targetHost
	sess.TargetPort = down.targetPort
	sess.TargetAddrString = net.JoinHostPort(down.targetHost, strconv.Itoa(down.targetPort))

	server, reply, upErr := dialUpstreamWithRetry(sess, deps, down.cmd)

	if upErr != nil {
		if down.sendFinalAck != nil {
			down.sendFinalAck("", 0, upErr)
		}
		return upErr
	}

	sess.SetUpstream(server, true)
	if deps.Registry != nil {
		deps.Registry.AddSession(sess, down.authUserID)
		deps.Registry.UpdateSessionInfo(sess.Handle, sess.TargetHost, sess.TargetPort, sess.TargetAddrString)
	}

	// readyUp: send the deferred acknowledgement, or for forward-proxy
	// passthrough, replay the request head upstream before relay begins.
	if down.sendFinalAck != nil {
		if err := down.sendFinalAck(reply.bndHost, reply.bndPort, nil); err != nil {
			return err
		}
	} else if len(down.forwardHead) > 0 {
		if _, err := sess.Up.Write(down.forwardHead); err != nil {
			return err
		}
	}

	return nil
}

// dialUpstreamWithRetry selects an upstream and negotiates the SOCKS5
// client handshake, retrying up to deps.RetryTimes additional times on
// dial or handshake failure (spec §4.3 "Upstream SOCKS5 client flow").
// A failed attempt marks the server's probe state so selection can skip
// it sooner, then asks the pool for another.
func dialUpstreamWithRetry(sess *session.Session, deps Deps, cmd Cmd) (*upstreampool.Server, *upstreamReply, error) {
	var lastErr error
	attempts := deps.RetryTimes + 1
	for i := 0; i < attempts; i++ {
		server, ok := deps.Pool.GetServerGlobal(sess.Handle)
		if !ok {
			return nil, nil, apperrors.New(apperrors.KindSelection, "no healthy upstream available")
		}

		timeout := deps.ConnectTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		addr := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			server.RecordTCPProbe(false, 0, time.Now())
			lastErr = apperrors.Wrap(apperrors.KindUpstream, "dialing upstream", err)
			sess.IncRetry()
			if deps.Metrics != nil {
				deps.Metrics.RetryAttempted()
			}
			continue
		}

		reply, upBR, err := socks5Client(conn, upstreamRequest{
			cmd:      cmd,
			host:     sess.TargetHost,
			port:     sess.TargetPort,
			authUser: server.AuthUser,
			authPwd:  server.AuthPwd,
		})
		if err != nil {
			conn.Close()
			server.RecordHTTPSProbe(false, 0, "", time.Now())
			lastErr = err
			sess.IncRetry()
			if deps.Metrics != nil {
				deps.Metrics.RetryAttempted()
			}
			continue
		}

		sess.Up = conn
		sess.UpReader = upBR
		return server, reply, nil
	}
	return nil, nil, lastErr
}
