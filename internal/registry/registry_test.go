package registry

import (
	"context"
	"net"
	"runtime"
	"testing"

	"github.com/socks5balancer/gobalancer/internal/session"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

func newTestSession(t *testing.T, handle int64, clientAddrPort, listenAddr string) *session.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c2.Close() })
	return session.New(context.Background(), handle, c1, clientAddrPort, "10.0.0.1", listenAddr)
}

func TestAddSessionUniqueAcrossFamilies(t *testing.T) {
	r := New(nil)
	up := upstreampool.NewServer(0, "u", "127.0.0.1", 1080, "", "", false)

	sess := newTestSession(t, 1, "10.0.0.1:4000", "127.0.0.1:5000")
	sess.SetUpstream(up, true)
	r.AddSession(sess, -1)

	if b, ok := r.BucketByUpstream(0); !ok || len(b.SessionViews()) != 1 {
		t.Fatalf("expected one view in upstream bucket, ok=%v", ok)
	}
	if b, ok := r.BucketByClient("10.0.0.1"); !ok || len(b.SessionViews()) != 1 {
		t.Fatalf("expected one view in client bucket, ok=%v", ok)
	}
	if b, ok := r.BucketByListen("127.0.0.1:5000"); !ok || len(b.SessionViews()) != 1 {
		t.Fatalf("expected one view in listen bucket, ok=%v", ok)
	}
}

func TestUpdateSessionInfo(t *testing.T) {
	r := New(nil)
	sess := newTestSession(t, 2, "10.0.0.2:4000", "127.0.0.1:5000")
	r.AddSession(sess, -1)

	r.UpdateSessionInfo(sess.Handle, "example.com", 443, "example.com:443")

	b, ok := r.BucketByClient("10.0.0.2")
	if !ok {
		t.Fatal("expected client bucket")
	}
	views := b.SessionViews()
	if len(views) != 1 || views[0].TargetHost != "example.com" || views[0].TargetPort != 443 {
		t.Fatalf("expected updated target fields, got %+v", views)
	}
}

func TestRemoveSessionDropsViews(t *testing.T) {
	r := New(nil)
	up := upstreampool.NewServer(0, "u", "127.0.0.1", 1080, "", "", false)
	sess := newTestSession(t, 3, "10.0.0.3:4000", "127.0.0.1:5000")
	sess.SetUpstream(up, true)
	r.AddSession(sess, -1)

	r.RemoveSession(sess.Handle)

	b, _ := r.BucketByUpstream(0)
	if len(b.SessionViews()) != 0 {
		t.Fatalf("expected no views after removal, got %d", len(b.SessionViews()))
	}
}

func TestByteCountersAndCalcTick(t *testing.T) {
	r := New(nil)
	sess := newTestSession(t, 4, "10.0.0.4:4000", "127.0.0.1:5000")
	r.AddSession(sess, -1)

	r.AddByteUp(sess.Handle, 100)
	r.AddByteDown(sess.Handle, 50)
	r.CalcByteAll()

	b, _ := r.BucketByClient("10.0.0.4")
	if b.ByteUp.Load() != 100 || b.ByteDown.Load() != 50 {
		t.Fatalf("unexpected byte totals: up=%d down=%d", b.ByteUp.Load(), b.ByteDown.Load())
	}
	if b.ByteUpChange.Load() != 100 || b.ByteDownChange.Load() != 50 {
		t.Fatalf("unexpected change since last tick: up=%d down=%d", b.ByteUpChange.Load(), b.ByteDownChange.Load())
	}

	r.AddByteUp(sess.Handle, 10)
	r.CalcByteAll()
	if b.ByteUpChange.Load() != 10 {
		t.Fatalf("expected change=10 on second tick, got %d", b.ByteUpChange.Load())
	}
	if b.ByteUpChangeMax.Load() != 100 {
		t.Fatalf("expected high-water-mark to stay at 100, got %d", b.ByteUpChangeMax.Load())
	}
}

func TestRemoveExpiredSessionAllReconcilesConnectCount(t *testing.T) {
	r := New(nil)
	up := upstreampool.NewServer(0, "u", "127.0.0.1", 1080, "", "", false)

	func() {
		sess := newTestSession(t, 5, "10.0.0.5:4000", "127.0.0.1:5000")
		sess.SetUpstream(up, true)
		r.AddSession(sess, -1)
		// sess goes out of scope at the end of this closure; its weak
		// reference should expire once the GC runs.
	}()

	runtime.GC()
	runtime.GC()
	r.RemoveExpiredSessionAll()

	b, ok := r.BucketByUpstream(0)
	if !ok {
		t.Fatal("expected upstream bucket to exist")
	}
	if b.ConnectCount.Load() != 0 {
		t.Fatalf("expected connect count reconciled to 0 after expiry, got %d", b.ConnectCount.Load())
	}
}

func TestCloseAllByClient(t *testing.T) {
	r := New(nil)
	sess := newTestSession(t, 6, "10.0.0.6:4000", "127.0.0.1:5000")
	r.AddSession(sess, -1)

	n := r.CloseAllByClient("10.0.0.6")
	if n != 1 {
		t.Fatalf("expected 1 session closed, got %d", n)
	}
	if !sess.Closed() {
		t.Fatal("expected session to be closed")
	}
}
