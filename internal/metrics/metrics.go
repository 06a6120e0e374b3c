// Package metrics provides Prometheus collectors for the keymux proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	QueueWait         *prometheus.HistogramVec
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	KeyRateLimits     *prometheus.CounterVec
	KeysRevoked       *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	TranslationsTotal *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
}

// New creates and registers all collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "keymux",
			Name:                           "request_duration_seconds",
			Help:                           "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keymux",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "keymux",
			Name:                           "queue_wait_seconds",
			Help:                           "Time a request waited for a key.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"service"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "keymux",
			Name:                           "upstream_duration_seconds",
			Help:                           "Upstream service call duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"service", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "upstream_errors_total",
			Help:      "Total upstream service errors.",
		}, []string{"service", "status"}),

		KeyRateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "key_rate_limits_total",
			Help:      "Total 429 responses attributed to a key.",
		}, []string{"service"}),

		KeysRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "keys_revoked_total",
			Help:      "Total keys marked revoked by upstream rejections.",
		}, []string{"service"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed, split by direction.",
		}, []string{"service", "direction"}),

		TranslationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "translations_total",
			Help:      "Total cross-dialect request translations.",
		}, []string{"from", "to"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "cache_hits_total",
			Help:      "Total model catalog cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keymux",
			Name:      "cache_misses_total",
			Help:      "Total model catalog cache misses.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.QueueWait,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.KeyRateLimits,
		m.KeysRevoked,
		m.TokensProcessed,
		m.TranslationsTotal,
		m.CacheHits,
		m.CacheMisses,
	)

	return m
}
