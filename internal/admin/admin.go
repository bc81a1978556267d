// Package admin implements the read-only/mutation HTTP surface of spec
// §4.5: a JSON snapshot of config/pool/registry/auth state, per-bucket
// detail views, delay histories, and a handful of operator mutation
// endpoints, wrapping promhttp.Handler() for Prometheus scraping the
// same way the teacher's Proxy.HttpServe does.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	"github.com/socks5balancer/gobalancer/internal/config"
	"github.com/socks5balancer/gobalancer/internal/metrics"
	"github.com/socks5balancer/gobalancer/internal/ratelimit"
	"github.com/socks5balancer/gobalancer/internal/registry"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
	"github.com/socks5balancer/gobalancer/pkg/logger"
	pkgmetrics "github.com/socks5balancer/gobalancer/pkg/metrics"
)

// requestTimeout bounds every admin HTTP request (spec §4.3 "Admin HTTP
// connection: 60s total").
const requestTimeout = 60 * time.Second

// Server is the admin HTTP surface. cfg is the startup snapshot and is
// only read; operator knobs such as newRule act on the pool and the
// registry buckets, not on cfg.
type Server struct {
	log       *logger.Logger
	cfg       *config.Config
	pool      *upstreampool.Pool
	reg       *registry.Registry
	auth      *authdir.Directory
	limiter   *ratelimit.Limiter
	collector *metrics.Collector
	prom      *metrics.PrometheusCollectors

	httpSrv *http.Server
}

// New builds a Server bound to listenAddr. It does not start listening
// until Serve is called. limiter may be nil, in which case the snapshot's
// rateLimit section reports zero values.
func New(listenAddr string, cfg *config.Config, pool *upstreampool.Pool, reg *registry.Registry, auth *authdir.Directory, limiter *ratelimit.Limiter, collector *metrics.Collector, prom *metrics.PrometheusCollectors, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default
	}
	s := &Server{log: log, cfg: cfg, pool: pool, reg: reg, auth: auth, limiter: limiter, collector: collector, prom: prom}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.withCommon(s.handleSnapshot))
	mux.HandleFunc("/clientInfo", s.withCommon(s.handleClientInfo))
	mux.HandleFunc("/listenInfo", s.withCommon(s.handleListenInfo))
	mux.HandleFunc("/delayInfo", s.withCommon(s.handleDelayInfo))
	mux.HandleFunc("/op", s.withCommon(s.handleOp))

	s.httpSrv = &http.Server{Addr: listenAddr, Handler: mux}
	return s
}

// Handler exposes the wired mux directly, for tests that drive the
// server with httptest without binding a real listener.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Serve blocks, listening until ctx is cancelled, then shuts down
// gracefully (spec §4.5, mirroring the teacher's HttpServe shutdown
// pattern).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	if s.prom != nil {
		go s.runGaugeRefresh(ctx)
	}

	s.log.Info("admin: listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runGaugeRefresh resamples the per-upstream Prometheus gauges every
// few seconds so /metrics reflects current pool state between probes.
func (s *Server) runGaugeRefresh(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prom.RefreshUpstreamGauges(s.pool, s.cfg.DisableConnectTest)
		}
	}
}

// withCommon applies the per-request deadline, CORS mirroring, and the
// package-level request counter to every admin handler.
func (s *Server) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pkgmetrics.IncrementRequests()

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}
