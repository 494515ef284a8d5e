// Package metrics exposes the indexer's Prometheus registry: a
// HistogramVec labeled by operation name (every pipeline stage, every
// ChainQuery method) plus a tip-height gauge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/blockidx/internal/xlog"
)

// Registry bundles every metric the indexer and query layer publish.
type Registry struct {
	Duration  *prometheus.HistogramVec
	TipHeight prometheus.Gauge

	registry *prometheus.Registry
}

// New builds a fresh, unregistered-with-the-default-registry Registry so
// multiple Stores (e.g. in tests) never collide on metric names.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blockidx",
			Name:      "operation_duration_seconds",
			Help:      "Duration of indexer pipeline stages and ChainQuery operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"operation"}),
		TipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockidx",
			Name:      "tip_height",
			Help:      "Height of the indexer's current best-chain tip.",
		}),
		registry: reg,
	}
	reg.MustRegister(r.Duration, r.TipHeight)
	return r
}

// Timer returns a func to call at the end of a timed block; records the
// elapsed duration under operation when invoked. Callers `defer
// m.Timer(name)()` at the top of every ChainQuery method and indexer
// stage.
func (r *Registry) Timer(operation string) func() {
	start := time.Now()
	return func() {
		r.Duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// Serve starts a blocking HTTP server exposing the registry at /metrics.
// Callers run it in its own goroutine.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	xlog.Logger.Info().Str("addr", addr).Msg("metrics server listening")
	return http.ListenAndServe(addr, mux)
}
