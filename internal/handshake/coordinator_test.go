package handshake

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/session"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

// fakeUpstream starts a single-shot SOCKS5 server on loopback: no-auth
// method negotiation, a success CMD reply, then echoes whatever it
// receives back to the caller so tests can assert relay-readiness.
func fakeUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)

		var methodHdr [2]byte
		if _, err := io.ReadFull(br, methodHdr[:]); err != nil {
			return
		}
		methods := make([]byte, methodHdr[1])
		io.ReadFull(br, methods)
		conn.Write([]byte{0x05, 0x00})

		var req [3]byte
		if _, err := io.ReadFull(br, req[:]); err != nil {
			return
		}
		readSocks5Addr(br)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		io.Copy(conn, br)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func testDeps(t *testing.T, upstreamAddr string, authEntries []config.AuthClient) Deps {
	t.Helper()
	host, portStr, err := net.SplitHostPort(upstreamAddr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	cfg := &config.Config{
		UpstreamSelectRule: "random",
		DisableConnectTest: true,
		Upstream: []config.UpstreamServer{
			{Host: host, Port: port, Name: "u"},
		},
	}
	pool, err := upstreampool.New(cfg, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return Deps{
		Auth:           authdir.New(authEntries),
		Pool:           pool,
		Registry:       registry.New(nil),
		RetryTimes:     0,
		ConnectTimeout: 2 * time.Second,
	}
}

func newPipeSession() (*session.Session, net.Conn) {
	down, client := net.Pipe()
	sess := session.New(context.Background(), 1, down, "10.0.0.5:4000", "10.0.0.5", "0.0.0.0:5000")
	return sess, client
}

func TestRunSocks5NoAuthConnect(t *testing.T) {
	upstream := fakeUpstream(t)
	deps := testDeps(t, upstream, nil)
	sess, client := newPipeSession()

	runErr := make(chan error, 1)
	go func() { runErr <- Run(sess, deps) }()

	client.Write([]byte{0x05, 0x01, 0x00})
	var methodResp [2]byte
	io.ReadFull(client, methodResp[:])
	if methodResp[0] != 0x05 || methodResp[1] != 0x00 {
		t.Fatalf("unexpected method reply %v", methodResp)
	}

	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("unexpected final reply %v", reply)
	}

	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.Up == nil {
		t.Fatal("expected upstream connection to be set")
	}
}

func TestRunSocks4aConnect(t *testing.T) {
	upstream := fakeUpstream(t)
	deps := testDeps(t, upstream, nil)
	sess, client := newPipeSession()

	runErr := make(chan error, 1)
	go func() { runErr <- Run(sess, deps) }()

	req := []byte{0x04, 0x01, 0x01, 0xBB, 0x00, 0x00, 0x00, 0x01}
	req = append(req, 0x00) // empty USERID, NUL terminated
	req = append(req, []byte("example.com")...)
	req = append(req, 0x00)
	client.Write(req)

	reply := make([]byte, 8)
	io.ReadFull(client, reply)
	if reply[0] != 0x00 || reply[1] != 0x5A {
		t.Fatalf("unexpected socks4a reply %v", reply)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.TargetHost != "example.com" || sess.TargetPort != 443 {
		t.Fatalf("unexpected target %s:%d", sess.TargetHost, sess.TargetPort)
	}
}

func TestRunHTTPConnectWithAuth(t *testing.T) {
	upstream := fakeUpstream(t)
	deps := testDeps(t, upstream, []config.AuthClient{{User: "user", Pwd: "pass"}})
	sess, client := newPipeSession()

	runErr := make(chan error, 1)
	go func() { runErr <- Run(sess, deps) }()

	client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\nProxy-Authorization: Basic dXNlcjpwYXNz\r\n\r\n"))

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line %q", line)
	}
	br.ReadString('\n') // blank line

	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.AuthUser == nil || sess.AuthUser.Username != "user" {
		t.Fatal("expected auth user bound to session")
	}
}

func TestRunHTTPRequiresAuthRetriesOn407(t *testing.T) {
	upstream := fakeUpstream(t)
	deps := testDeps(t, upstream, []config.AuthClient{{User: "user", Pwd: "pass"}})
	sess, client := newPipeSession()

	runErr := make(chan error, 1)
	go func() { runErr <- Run(sess, deps) }()

	client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	br := bufio.NewReader(client)
	line, _ := br.ReadString('\n')
	if line != "HTTP/1.1 407 Proxy Authentication Required\r\n" {
		t.Fatalf("expected 407, got %q", line)
	}
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}

	client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\nProxy-Authorization: Basic dXNlcjpwYXNz\r\n\r\n"))
	line2, _ := br.ReadString('\n')
	if line2 != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("expected 200 after retry, got %q", line2)
	}
	br.ReadString('\n')

	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
