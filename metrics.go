package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the process-wide prometheus collectors. It is built once at
// startup and handed to the pipeline by reference; every update is a
// non-blocking counter increment, so the hot path never waits on it.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	UpstreamDialErrors  prometheus.Counter
	PolicyDecisions     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics constructs a fresh, independently-registered Metrics set —
// independent so tests can build one per case without colliding on the
// default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podman_proxy_connections_accepted_total",
			Help: "Total client connections accepted on the protected endpoint.",
		}),
		UpstreamDialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podman_proxy_upstream_dial_errors_total",
			Help: "Total failures probing or dialing the upstream engine socket.",
		}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podman_proxy_policy_decisions_total",
			Help: "Total policy decisions, labeled by outcome.",
		}, []string{"decision"}),
		registry: reg,
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.UpstreamDialErrors,
		m.PolicyDecisions,
	)

	return m
}

// RecordDecision increments the policy-decision counter for d.
func (m *Metrics) RecordDecision(d Decision) {
	m.PolicyDecisions.WithLabelValues(d.String()).Inc()
}

// ServeLoopback starts a loopback-only HTTP server exposing /metrics, and
// blocks until ctx is done. This is purely additive ambient observability:
// it shares nothing with the protected socket's wire protocol and is off
// unless an operator opts in with --metrics-addr.
func (m *Metrics) ServeLoopback(ctx context.Context, addr string, logger *zap.Logger) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("proxy: metrics address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("proxy: metrics address %q is not a loopback address", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy: metrics listener: %w", err)
	}
}
