// Package httpsprobe implements the HTTPS-through-SOCKS5 health check
// (spec §4.1): it opens a SOCKS5 session through a candidate upstream to
// a known HTTPS origin and reports whether the round trip succeeded.
//
// This is a one-shot, blocking, goroutine-isolated check, so it dials
// through internal/proxysocks's golang.org/x/net/proxy wrapper rather
// than the hand-rolled, asynchronous upstream SOCKS5 client the relay
// path uses (internal/handshake) — that client must rendezvous with the
// downstream side and can never block its goroutine, a shape x/net/proxy
// does not offer.
package httpsprobe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/socks5balancer/gobalancer/internal/proxysocks"
)

// Target is the well-known HTTPS origin probed through each upstream.
type Target struct {
	Host string
	Port int
}

// Prober issues the check against one Target.
type Prober struct {
	target  Target
	timeout time.Duration
}

// New builds a Prober for the given remote target. timeout bounds the
// whole probe (connect + TLS handshake + one GET), matching the 30s
// budget spec §5 assigns to the underlying TLS stream.
func New(target Target, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{target: target, timeout: timeout}
}

// Upstream describes the proxy to dial through.
type Upstream struct {
	Host     string
	Port     int
	AuthUser string
	AuthPwd  string
}

// Result is the probe outcome recorded onto the upstream record by the
// pool (spec §4.1 "HTTPS probe success/failure").
type Result struct {
	OK         bool
	RTT        time.Duration
	StatusText string
	Err        error
}

// Probe dials target through upstream's SOCKS5 endpoint and issues a GET.
// Any non-nil response, even a non-2xx one, counts as success: the probe
// measures proxy-layer reachability, not the target's own health.
func (p *Prober) Probe(ctx context.Context, up Upstream) Result {
	dialer, err := proxysocks.NewDialer(&proxysocks.Config{
		Host:     up.Host,
		Port:     up.Port,
		Username: up.AuthUser,
		Password: up.AuthPwd,
	})
	if err != nil {
		return Result{Err: err}
	}

	client := &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			TLSClientConfig: &tls.Config{ServerName: p.target.Host},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("https://%s:%d/", p.target.Host, p.target.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: err}
	}

	start := time.Now()
	resp, err := client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return Result{OK: false, RTT: rtt, Err: err}
	}
	defer resp.Body.Close()

	return Result{
		OK:         true,
		RTT:        rtt,
		StatusText: fmt.Sprintf("status_code:%d", resp.StatusCode),
	}
}
