package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

// PrometheusCollectors holds every Prometheus collector the balancer
// exports at /metrics.
type PrometheusCollectors struct {
	SessionsAcceptedTotal prometheus.Counter
	SessionsClosedTotal   prometheus.Counter
	HandshakeErrorsTotal  prometheus.Counter
	RetryAttemptsTotal    prometheus.Counter
	BytesUpTotal          prometheus.Counter
	BytesDownTotal        prometheus.Counter

	UpstreamHealthy         *prometheus.GaugeVec
	UpstreamLiveConnections *prometheus.GaugeVec
}

// InitPrometheus registers every collector under namespace, returning
// the existing registration instead of panicking if called twice (the
// admin server and its tests can both call this safely).
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.SessionsAcceptedTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_accepted_total",
		Help: "Total downstream connections accepted.",
	})).(prometheus.Counter)

	pc.SessionsClosedTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_closed_total",
		Help: "Total sessions that reached a terminal state.",
	})).(prometheus.Counter)

	pc.HandshakeErrorsTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "handshake_errors_total",
		Help: "Total handshakes that ended in an error.",
	})).(prometheus.Counter)

	pc.RetryAttemptsTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "upstream_retry_attempts_total",
		Help: "Total upstream connect/handshake retries.",
	})).(prometheus.Counter)

	pc.BytesUpTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "relay_bytes_up_total",
		Help: "Total bytes relayed from clients to upstreams.",
	})).(prometheus.Counter)

	pc.BytesDownTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "relay_bytes_down_total",
		Help: "Total bytes relayed from upstreams to clients.",
	})).(prometheus.Counter)

	pc.UpstreamHealthy = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "upstream_healthy",
		Help: "1 if the upstream is effectively healthy, 0 otherwise.",
	}, []string{"index", "name"})).(*prometheus.GaugeVec)

	pc.UpstreamLiveConnections = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "upstream_live_connections",
		Help: "Current live relayed connections per upstream.",
	}, []string{"index", "name"})).(*prometheus.GaugeVec)

	return pc
}

// RefreshUpstreamGauges re-samples the per-upstream gauge vectors from
// the pool's current state. The pool, not Prometheus, is the source of
// truth; this is a plain snapshot copy, called on a ticker by the admin
// server's setup (spec §4.5's admin surface backs /metrics).
func (p *PrometheusCollectors) RefreshUpstreamGauges(pool *upstreampool.Pool, disableConnectTest bool) {
	for _, s := range pool.Servers() {
		snap := s.Snapshot(disableConnectTest)
		labels := prometheus.Labels{"index": strconv.Itoa(snap.Index), "name": snap.Name}
		healthy := 0.0
		if snap.EffectiveHealthy {
			healthy = 1.0
		}
		p.UpstreamHealthy.With(labels).Set(healthy)
		p.UpstreamLiveConnections.With(labels).Set(float64(snap.LiveConnections))
	}
}
