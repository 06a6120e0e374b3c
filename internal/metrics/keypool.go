package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/queue"
)

// PoolCollector exposes key pool and queue state as gauges computed at
// scrape time, so the collectors never go stale between updates.
type PoolCollector struct {
	pool  *keypool.Pool
	queue *queue.Queue

	keysAvailable *prometheus.Desc
	keysDisabled  *prometheus.Desc
	keysRevoked   *prometheus.Desc
	queueDepth    *prometheus.Desc
	promptCount   *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector builds a collector over the pool and queue.
func NewPoolCollector(pool *keypool.Pool, q *queue.Queue) *PoolCollector {
	return &PoolCollector{
		pool:  pool,
		queue: q,
		keysAvailable: prometheus.NewDesc(
			"keymux_keys_available",
			"Non-disabled keys per service.",
			[]string{"service"}, nil),
		keysDisabled: prometheus.NewDesc(
			"keymux_keys_disabled",
			"Disabled keys per service.",
			[]string{"service"}, nil),
		keysRevoked: prometheus.NewDesc(
			"keymux_keys_revoked",
			"Revoked keys per service.",
			[]string{"service"}, nil),
		queueDepth: prometheus.NewDesc(
			"keymux_queue_depth",
			"Requests waiting for a key per service.",
			[]string{"service"}, nil),
		promptCount: prometheus.NewDesc(
			"keymux_key_prompt_count",
			"Prompts served per key.",
			[]string{"service", "hash"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keysAvailable
	ch <- c.keysDisabled
	ch <- c.keysRevoked
	ch <- c.queueDepth
	ch <- c.promptCount
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	disabled := make(map[keypool.Service]int)
	revoked := make(map[keypool.Service]int)
	for _, v := range c.pool.List() {
		if v.IsDisabled {
			disabled[v.Service]++
		}
		if v.IsRevoked {
			revoked[v.Service]++
		}
		ch <- prometheus.MustNewConstMetric(c.promptCount, prometheus.GaugeValue,
			float64(v.PromptCount), string(v.Service), v.Hash)
	}

	for _, svc := range c.pool.Services() {
		ch <- prometheus.MustNewConstMetric(c.keysAvailable, prometheus.GaugeValue,
			float64(c.pool.Available(svc)), string(svc))
		ch <- prometheus.MustNewConstMetric(c.keysDisabled, prometheus.GaugeValue,
			float64(disabled[svc]), string(svc))
		ch <- prometheus.MustNewConstMetric(c.keysRevoked, prometheus.GaugeValue,
			float64(revoked[svc]), string(svc))
		if c.queue != nil {
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
				float64(c.queue.Depth(svc)), string(svc))
		}
	}
}
