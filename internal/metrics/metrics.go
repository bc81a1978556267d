// Package metrics collects process-wide counters for the balancer and,
// when wired to a PrometheusCollectors, mirrors every increment into it
// at the same call site -- there is no periodic "sync atomics into
// Prometheus" pass to keep two sets of counters consistent.
package metrics

import (
	"sync/atomic"
)

// Collector holds the balancer's atomic counters. prom is optional; a
// nil prom makes every method a plain atomic increment, which is what
// tests that don't care about Prometheus want.
type Collector struct {
	prom *PrometheusCollectors

	SessionsAccepted atomic.Uint64
	SessionsClosed   atomic.Uint64
	HandshakeErrors  atomic.Uint64
	RetryAttempts    atomic.Uint64
	BytesUp          atomic.Uint64
	BytesDown        atomic.Uint64
}

// NewCollector builds a Collector, optionally wired to prom.
func NewCollector(prom *PrometheusCollectors) *Collector {
	return &Collector{prom: prom}
}

// SessionAccepted records one accepted downstream connection.
func (m *Collector) SessionAccepted() {
	m.SessionsAccepted.Add(1)
	if m.prom != nil {
		m.prom.SessionsAcceptedTotal.Inc()
	}
}

// SessionClosed records one session reaching its terminal state.
func (m *Collector) SessionClosed() {
	m.SessionsClosed.Add(1)
	if m.prom != nil {
		m.prom.SessionsClosedTotal.Inc()
	}
}

// HandshakeError records one handshake that ended in an error of any
// kind (auth rejection, protocol violation, upstream dial failure).
func (m *Collector) HandshakeError() {
	m.HandshakeErrors.Add(1)
	if m.prom != nil {
		m.prom.HandshakeErrorsTotal.Inc()
	}
}

// RetryAttempted records one upstream retry (spec §4.3 retry loop).
func (m *Collector) RetryAttempted() {
	m.RetryAttempts.Add(1)
	if m.prom != nil {
		m.prom.RetryAttemptsTotal.Inc()
	}
}

// AddBytesUp/AddBytesDown record relay throughput.
func (m *Collector) AddBytesUp(n uint64) {
	m.BytesUp.Add(n)
	if m.prom != nil {
		m.prom.BytesUpTotal.Add(float64(n))
	}
}

func (m *Collector) AddBytesDown(n uint64) {
	m.BytesDown.Add(n)
	if m.prom != nil {
		m.prom.BytesDownTotal.Add(float64(n))
	}
}

// ActiveSessions derives the live session count from accepted-minus-closed;
// the registry is the source of truth for per-bucket detail, this is
// only the coarse process-wide figure the admin snapshot's summary uses.
func (m *Collector) ActiveSessions() int64 {
	return int64(m.SessionsAccepted.Load()) - int64(m.SessionsClosed.Load())
}

// Snapshot is the read-only view of Collector exposed by the admin `/`
// endpoint's "counters" section.
type Snapshot struct {
	SessionsAccepted uint64 `json:"sessionsAccepted"`
	SessionsClosed   uint64 `json:"sessionsClosed"`
	ActiveSessions   int64  `json:"activeSessions"`
	HandshakeErrors  uint64 `json:"handshakeErrors"`
	RetryAttempts    uint64 `json:"retryAttempts"`
	BytesUp          uint64 `json:"bytesUp"`
	BytesDown        uint64 `json:"bytesDown"`
}

// Snapshot builds the current read-only view.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsAccepted: m.SessionsAccepted.Load(),
		SessionsClosed:   m.SessionsClosed.Load(),
		ActiveSessions:   m.ActiveSessions(),
		HandshakeErrors:  m.HandshakeErrors.Load(),
		RetryAttempts:    m.RetryAttempts.Load(),
		BytesUp:          m.BytesUp.Load(),
		BytesDown:        m.BytesDown.Load(),
	}
}
