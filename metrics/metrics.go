// Package metrics exposes Prometheus instrumentation for generation, cache
// and dispatch activity.
//
// Collectors are registered on a caller-supplied Registerer so tests and
// embedders can use isolated registries. Every method is safe on a nil
// *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	ResultOK    = "ok"
	ResultError = "error"

	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics holds the module's collectors.
type Metrics struct {
	generations   *prometheus.CounterVec
	genLatency    *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatencies *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xonotify",
				Name:      "generations_total",
				Help:      "Provider generation calls by provider and result.",
			},
			[]string{"provider", "result"},
		),
		// Provider round-trips run from sub-second to the 60s client timeout.
		genLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "xonotify",
				Name:      "generation_duration_seconds",
				Help:      "Latency of provider generation calls.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xonotify",
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result.",
			},
			[]string{"result"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xonotify",
				Name:      "dispatches_total",
				Help:      "Dispatch attempts by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xonotify",
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "xonotify",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.generations, m.genLatency, m.cacheLookups, m.dispatches, m.httpRequests, m.httpLatencies,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveGeneration records one provider call.
func (m *Metrics) ObserveGeneration(provider string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.generations.WithLabelValues(provider, result).Inc()
	m.genLatency.WithLabelValues(provider).Observe(took.Seconds())
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues(CacheHit).Inc()
		return
	}
	m.cacheLookups.WithLabelValues(CacheMiss).Inc()
}

// ObserveDispatch records the outcome of one dispatch: "sent", "throttled",
// "generation_failed", "delivery_failed" or "storage_failed".
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, path, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpLatencies.WithLabelValues(method, path).Observe(took.Seconds())
}
