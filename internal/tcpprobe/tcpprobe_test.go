package tcpprobe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestProbeSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	res := Probe(context.Background(), "127.0.0.1", addr.Port, time.Second)
	if !res.OK {
		t.Fatalf("expected success, got err=%v", res.Err)
	}
}

func TestProbeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listening now

	res := Probe(context.Background(), "127.0.0.1", addr.Port, 500*time.Millisecond)
	if res.OK {
		t.Fatal("expected failure against closed port")
	}
	if res.Err == nil {
		t.Fatal("expected non-nil error")
	}
}
