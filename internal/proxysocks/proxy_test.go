package proxysocks

import (
	"context"
	"testing"
	"time"
)

func TestNewDialerRejectsMissingHost(t *testing.T) {
	_, err := NewDialer(&Config{Port: 1080})
	if err == nil {
		t.Fatal("expected an error when Host is empty")
	}
}

func TestNewDialerRejectsMissingPort(t *testing.T) {
	_, err := NewDialer(&Config{Host: "127.0.0.1"})
	if err == nil {
		t.Fatal("expected an error when Port is zero")
	}
}

func TestNewDialerAcceptsNoAuth(t *testing.T) {
	d, err := NewDialer(&Config{Host: "127.0.0.1", Port: 1080})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	if d == nil {
		t.Fatal("expected a non-nil dialer")
	}
}

func TestNewDialerAcceptsUsernamePassword(t *testing.T) {
	d, err := NewDialer(&Config{
		Host:     "127.0.0.1",
		Port:     1080,
		Username: "relay",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	if d == nil {
		t.Fatal("expected a non-nil dialer")
	}
}

// DialContext never reaches a real SOCKS5 endpoint in this test (none is
// running), but it must still surface a dial error rather than hang, and
// must respect ctx cancellation — both matter to httpsprobe, which bounds
// every probe with a deadline.
func TestDialContextSurfacesDialFailure(t *testing.T) {
	d, err := NewDialer(&Config{Host: "192.0.2.1", Port: 1080})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", "192.0.2.2:9999")
	if err == nil {
		conn.Close()
		t.Fatal("expected an error dialing through an unreachable proxy")
	}
}

func TestDialContextHonorsCancellation(t *testing.T) {
	d, err := NewDialer(&Config{Host: "192.0.2.1", Port: 1080})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn, err := d.DialContext(ctx, "tcp", "192.0.2.2:9999")
	if err == nil {
		conn.Close()
		t.Fatal("expected an error when the context is already cancelled")
	}
}
