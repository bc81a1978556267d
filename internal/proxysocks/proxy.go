// Package proxysocks builds a golang.org/x/net/proxy dialer for a single
// SOCKS5 endpoint. It backs the HTTPS-through-SOCKS5 health probe
// (internal/httpsprobe), which needs a synchronous, one-shot dial and has
// no business hand-rolling the SOCKS5 wire format itself.
package proxysocks

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// Config addresses the single upstream SOCKS5 endpoint a probe dials
// through; Username/Password are empty when the upstream requires no
// auth.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Dialer issues one dial through a SOCKS5 endpoint on behalf of the
// probe that owns it; it is not reused across upstreams.
type Dialer struct {
	dialer proxy.Dialer
}

// NewDialer resolves cfg into a dialer that routes through the SOCKS5
// endpoint it names.
func NewDialer(cfg *Config) (*Dialer, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("proxysocks: host and port are required")
	}

	target := &url.URL{
		Scheme: "socks5",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		target.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	d, err := proxy.FromURL(target, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxysocks: building dialer for %s: %w", target.Host, err)
	}
	return &Dialer{dialer: d}, nil
}

// DialContext dials address through the SOCKS5 endpoint, honoring ctx
// even though golang.org/x/net/proxy's base Dialer interface predates
// context support.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if ctxDialer, ok := d.dialer.(interface {
		DialContext(context.Context, string, string) (net.Conn, error)
	}); ok {
		return ctxDialer.DialContext(ctx, network, address)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := d.dialer.Dial(network, address)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
