// Package relay implements the post-handshake bidirectional byte pump
// of spec §4.4: two symmetric read-then-write-all loops, one per
// direction, feeding byte counters into the statistics registry.
package relay

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/socks5balancer/gobalancer/internal/metrics"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/session"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// Engine runs the two relay loops for one session and reports every
// successful write to the registry and, if SetCollector was called, to
// the process-wide metrics.Collector as well.
type Engine struct {
	reg       *registry.Registry
	log       *logger.Logger
	collector *metrics.Collector
}

// New builds a relay Engine reporting byte counters into reg.
func New(reg *registry.Registry, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default
	}
	return &Engine{reg: reg, log: log}
}

// SetCollector wires a process-wide counter into the engine; nil
// disables the forwarding (the default).
func (e *Engine) SetCollector(c *metrics.Collector) { e.collector = c }

// Run pumps bytes between sess.Down and sess.Up until either side
// closes or errors, then closes the session. It blocks until both
// directions have stopped.
func (e *Engine) Run(sess *session.Session) {
	var wg sync.WaitGroup
	var once sync.Once
	var closeErr error

	closeWith := func(err error) {
		once.Do(func() {
			closeErr = err
			sess.Close(err)
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		err := e.pump(sess.DownReader, sess.Up, sess.DownBuf[:], sess, true)
		closeWith(err)
	}()
	go func() {
		defer wg.Done()
		err := e.pump(sess.UpReader, sess.Down, sess.UpBuf[:], sess, false)
		closeWith(err)
	}()
	wg.Wait()

	if closeErr != nil && !isCleanClose(closeErr) {
		e.log.Debug("relay: session %d ended with error: %v", sess.Handle, closeErr)
	}
}

// pump reads from src into buf and writes the exact byte count to dst,
// repeating until an error (including EOF, which is not itself logged
// as an error per spec §4.4). up indicates direction for the registry
// byte counters.
func (e *Engine) pump(src io.Reader, dst net.Conn, buf []byte, sess *session.Session, up bool) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := writeAll(dst, buf[:n]); werr != nil {
				return werr
			}
			if e.reg != nil {
				if up {
					e.reg.AddByteUp(sess.Handle, int64(n))
				} else {
					e.reg.AddByteDown(sess.Handle, int64(n))
				}
			}
			if e.collector != nil {
				if up {
					e.collector.AddBytesUp(uint64(n))
				} else {
					e.collector.AddBytesDown(uint64(n))
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func writeAll(dst net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := dst.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
