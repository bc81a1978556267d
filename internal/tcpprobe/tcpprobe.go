// Package tcpprobe implements the fire-and-forget TCP reachability test
// used by the upstream pool's TCP health timer (spec §4.1).
package tcpprobe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Result is the outcome of one probe attempt.
type Result struct {
	OK  bool
	RTT time.Duration
	Err error
}

// Probe dials host:port with the given timeout and immediately closes
// the connection on success. There is no application-level retry here;
// the pool's periodic timer is the retry mechanism.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) Result {
	addr := fmt.Sprintf("%s:%d", host, port)
	start := time.Now()

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	rtt := time.Since(start)
	if err != nil {
		return Result{OK: false, RTT: rtt, Err: err}
	}
	_ = conn.Close()
	return Result{OK: true, RTT: rtt}
}
