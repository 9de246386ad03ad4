// Package metrics holds the Prometheus collectors of the service.
//
// Metrics:
//   - gogenie_usage_decisions_total{kind,outcome} - reservation outcomes (allowed, denied, unlimited, error)
//   - gogenie_keypool_attempts_total{pool,outcome} - upstream calls per key (success, exhausted, error)
//   - gogenie_keypool_active_keys{pool} - keys still active in a pool
//   - gogenie_context_search_total{outcome} - semantic lookups (ok, timeout, error, skipped)
//   - gogenie_context_search_duration_seconds - semantic lookup latency
//   - gogenie_usage_pruned_total - expired usage periods removed by the scheduler
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gogenie"

var (
	UsageDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "decisions_total",
			Help:      "Usage reservation outcomes by kind.",
		},
		[]string{"kind", "outcome"},
	)

	KeyAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "attempts_total",
			Help:      "Upstream calls made through a key pool by outcome.",
		},
		[]string{"pool", "outcome"},
	)

	ActiveKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "active_keys",
			Help:      "Number of keys still active in a pool.",
		},
		[]string{"pool"},
	)

	ContextSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "search_total",
			Help:      "Semantic context lookups by outcome.",
		},
		[]string{"outcome"},
	)

	ContextSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "search_duration_seconds",
			Help:      "Latency of semantic context lookups.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	UsagePruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "pruned_total",
			Help:      "Expired usage periods removed by the scheduler.",
		},
	)
)
