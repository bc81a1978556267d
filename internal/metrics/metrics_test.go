package metrics

import "testing"

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(nil)

	c.SessionAccepted()
	c.SessionAccepted()
	c.SessionClosed()
	c.HandshakeError()
	c.RetryAttempted()
	c.AddBytesUp(100)
	c.AddBytesDown(40)

	if got := c.SessionsAccepted.Load(); got != 2 {
		t.Errorf("SessionsAccepted = %d, want 2", got)
	}
	if got := c.SessionsClosed.Load(); got != 1 {
		t.Errorf("SessionsClosed = %d, want 1", got)
	}
	if got := c.HandshakeErrors.Load(); got != 1 {
		t.Errorf("HandshakeErrors = %d, want 1", got)
	}
	if got := c.RetryAttempts.Load(); got != 1 {
		t.Errorf("RetryAttempts = %d, want 1", got)
	}
	if got := c.BytesUp.Load(); got != 100 {
		t.Errorf("BytesUp = %d, want 100", got)
	}
	if got := c.BytesDown.Load(); got != 40 {
		t.Errorf("BytesDown = %d, want 40", got)
	}
	if got := c.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector(nil)
	c.SessionAccepted()
	c.SessionAccepted()
	c.SessionClosed()
	c.AddBytesUp(10)
	c.AddBytesDown(20)

	snap := c.Snapshot()
	if snap.SessionsAccepted != 2 {
		t.Errorf("SessionsAccepted = %d, want 2", snap.SessionsAccepted)
	}
	if snap.SessionsClosed != 1 {
		t.Errorf("SessionsClosed = %d, want 1", snap.SessionsClosed)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", snap.ActiveSessions)
	}
	if snap.BytesUp != 10 || snap.BytesDown != 20 {
		t.Errorf("bytes = (%d, %d), want (10, 20)", snap.BytesUp, snap.BytesDown)
	}
}

func TestCollectorWithPrometheusDoesNotPanic(t *testing.T) {
	prom := InitPrometheus("gobalancer_test_metrics_collector")
	c := NewCollector(prom)

	c.SessionAccepted()
	c.SessionClosed()
	c.HandshakeError()
	c.RetryAttempted()
	c.AddBytesUp(1)
	c.AddBytesDown(1)
}
