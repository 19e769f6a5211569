package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counts how many posts have been classified end to end.
var PostsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karmaguard_posts_processed_total",
	Help: "Total number of posts classified",
})

// Counts posts that never reached classification, by reason.
var PostsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karmaguard_posts_skipped_total",
	Help: "Total number of posts skipped before classification",
}, []string{"reason"})

// Counts verdicts by category.
var Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karmaguard_verdicts_total",
	Help: "Total number of verdicts by category",
}, []string{"category"})

// Counts recommended actions by type.
var Actions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karmaguard_actions_total",
	Help: "Total number of recommended actions by type",
}, []string{"action"})

// Counts visible actions suppressed by the per-subreddit rate limiter.
var ActionsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karmaguard_actions_rate_limited_total",
	Help: "Total number of comment/report actions degraded to log by the rate limiter",
})

// Counts comment/report calls that failed at the platform.
var ActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karmaguard_action_failures_total",
	Help: "Total number of failed platform actions",
}, []string{"action"})

// Counts feed polls that failed.
var FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karmaguard_fetch_failures_total",
	Help: "Total number of failed feed fetches",
})

var (
	IndexSightings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karmaguard_index_sightings",
		Help: "Number of sightings currently held by the duplicate index",
	})

	SightingsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karmaguard_sightings_evicted_total",
		Help: "Total number of sightings removed by retention or size-cap eviction",
	})

	TemplateReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karmaguard_template_reloads_total",
		Help: "Template set reload attempts by outcome",
	}, []string{"outcome"})

	ProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "karmaguard_processing_latency_seconds",
		Help:    "Time taken to classify a single post",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
	})

	AuditDocumentsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karmaguard_audit_documents_indexed_total",
		Help: "Total number of verdict documents flushed to Elasticsearch",
	})

	AuditBulkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karmaguard_audit_bulk_failures_total",
		Help: "Total number of audit bulk requests that failed after retries",
	})

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "karmaguard_circuit_breaker_state",
			Help: "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)
)
