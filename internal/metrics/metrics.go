package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_adjustments_total",
			Help: "Stock adjustments by change type and outcome",
		},
		[]string{"change_type", "outcome"},
	)

	AdjustmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockledger_adjustment_duration_seconds",
			Help:    "Time taken to apply one stock adjustment, including lock wait",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockledger_conflict_retries_total",
			Help: "Adjustments retried after a concurrency conflict",
		},
	)

	InsightCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_insight_cache_lookups_total",
			Help: "Insight cache lookups by result",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "status"},
	)
)

const (
	OutcomeApplied = "applied"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)
