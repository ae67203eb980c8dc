// Package metrics exposes the service's Prometheus metrics: append
// latency, live subscriber count, and dedup hit rate — the handful of
// collectors this service actually produces.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector this service registers.
type Metrics struct {
	AppendDuration   prometheus.Histogram
	AppendBatchSize  prometheus.Histogram
	SubscriberCount  prometheus.Gauge
	DedupHitsTotal   prometheus.Counter
	DedupMissesTotal prometheus.Counter
	DedupCacheSize   prometheus.Gauge
}

// New registers every collector against registerer and returns the handle
// used to record values. Pass prometheus.DefaultRegisterer in production;
// tests should pass a fresh prometheus.NewRegistry() to avoid collisions
// between parallel test binaries.
func New(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		AppendDuration: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    "eventfolddb_append_duration_seconds",
			Help:    "Duration of Append commits from Writer submission to reply.",
			Buckets: prometheus.DefBuckets,
		}),
		AppendBatchSize: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    "eventfolddb_append_batch_size",
			Help:    "Number of events committed per Append call.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		SubscriberCount: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "eventfolddb_live_subscribers",
			Help: "Current number of live subscriptions registered with the broker.",
		}),
		DedupHitsTotal: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "eventfolddb_dedup_hits_total",
			Help: "Total number of Append batches short-circuited by the dedup cache.",
		}),
		DedupMissesTotal: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "eventfolddb_dedup_misses_total",
			Help: "Total number of Append batches that required a fresh commit.",
		}),
		DedupCacheSize: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "eventfolddb_dedup_cache_entries",
			Help: "Current number of entries held in the dedup cache.",
		}),
	}
}

// ObserveAppend records one Append call's outcome.
func (m *Metrics) ObserveAppend(duration time.Duration, batchSize int, dedupHit bool) {
	m.AppendDuration.Observe(duration.Seconds())
	m.AppendBatchSize.Observe(float64(batchSize))
	if dedupHit {
		m.DedupHitsTotal.Inc()
	} else {
		m.DedupMissesTotal.Inc()
	}
}
