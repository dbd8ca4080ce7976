// Package metrics declares the Prometheus gauges and counters the pipeline
// exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics

	// SourcesPolledTotal tracks polling attempts made by the scheduler.
	SourcesPolledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsfeed",
			Subsystem: "scheduler",
			Name:      "sources_polled_total",
			Help:      "Total source polls attempted by the polling scheduler",
		},
		[]string{"result"}, // success, decoder_failure
	)

	// ItemsDiscoveredTotal tracks new items inserted by the scheduler.
	ItemsDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "newsfeed",
			Subsystem: "scheduler",
			Name:      "items_discovered_total",
			Help:      "Total new items discovered across all sources",
		},
	)

	// SourceIntervalSeconds tracks the current adaptive interval per source.
	SourceIntervalSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "newsfeed",
			Subsystem: "scheduler",
			Name:      "source_interval_seconds",
			Help:      "Current adaptive polling interval for a source",
		},
		[]string{"source_name"},
	)

	// Scoring metrics

	// ItemsScoredTotal tracks scoring outcomes.
	ItemsScoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsfeed",
			Subsystem: "scoring",
			Name:      "items_scored_total",
			Help:      "Total items scored by the scoring dispatcher",
		},
		[]string{"result"}, // success, error
	)

	// RankerRequestDuration tracks Ranker call latency.
	RankerRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "newsfeed",
			Subsystem: "scoring",
			Name:      "ranker_request_duration_seconds",
			Help:      "Time spent waiting on the ranker",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RankerCircuitBreakerState tracks the ranker's circuit breaker state.
	// 0 = closed (healthy), 1 = half-open, 2 = open (tripped).
	RankerCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "newsfeed",
			Subsystem: "scoring",
			Name:      "ranker_circuit_breaker_state",
			Help:      "Ranker circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Publishing metrics

	// ItemsPublishedTotal tracks publish outcomes.
	ItemsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsfeed",
			Subsystem: "publishing",
			Name:      "items_published_total",
			Help:      "Total publish attempts by outcome",
		},
		[]string{"result"}, // delivered, rate_limited, failed, threshold_skip
	)

	// PublisherCircuitBreakerState tracks the publisher's circuit breaker state.
	PublisherCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "newsfeed",
			Subsystem: "publishing",
			Name:      "publisher_circuit_breaker_state",
			Help:      "Publisher circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// BackoffActive reports whether the publishing dispatcher is currently
	// honouring a rate-limit backoff.
	BackoffActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "newsfeed",
			Subsystem: "publishing",
			Name:      "backoff_active",
			Help:      "1 while the publishing dispatcher is in a rate-limit backoff window",
		},
	)

	// QueueDepth is the per-queue row count gauge. No code in this module
	// sets it, so /metrics carries no queue_depth series.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "newsfeed",
			Subsystem: "store",
			Name:      "queue_depth",
			Help:      "Number of rows currently in a pipeline queue",
		},
		[]string{"queue"}, // pending, scored, error
	)

	// HTTP API metrics

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsfeed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control-surface HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "newsfeed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control-surface HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Circuit breaker state constants, matching gobreaker.State ordering.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerHalfOpen = 1
	CircuitBreakerOpen     = 2
)
