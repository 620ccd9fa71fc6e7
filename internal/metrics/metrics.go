// Package metrics holds the Prometheus collectors shared by the ingestion
// pipeline. Collectors are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credito"

// ─── Resilience ─────────────────────────────────────────────────────────────

// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
var CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "circuit_breaker",
	Name:      "state",
	Help:      "Circuit breaker state per operation (0=closed, 1=half-open, 2=open)",
}, []string{"operation"})

var CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "circuit_breaker",
	Name:      "trips_total",
	Help:      "Times a circuit breaker opened",
}, []string{"operation"})

var Retries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "resilience",
	Name:      "retries_total",
	Help:      "Retry attempts per protected operation",
}, []string{"operation"})

var Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "resilience",
	Name:      "timeouts_total",
	Help:      "Protected calls aborted by the timeout layer",
}, []string{"operation"})

// ─── Gateway ────────────────────────────────────────────────────────────────

var MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "messages_sent_total",
	Help:      "Messages published per topic kind",
}, []string{"kind"})

var MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "messages_received_total",
	Help:      "Received messages by result (completed, abandoned, deadlettered)",
}, []string{"result"})

var AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "audit_failures_total",
	Help:      "Audit notifications that could not be delivered",
})

// ─── Ingestion & saga ───────────────────────────────────────────────────────

var IngestedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ingest",
	Name:      "records_total",
	Help:      "Records handled by the ingestion loop by outcome",
}, []string{"outcome"})

var IngestCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "ingest",
	Name:      "cycle_duration_seconds",
	Help:      "Wall time of one ingestion cycle",
	Buckets:   prometheus.DefBuckets,
})

var SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "saga",
	Name:      "transitions_total",
	Help:      "Saga transitions by source and target phase",
}, []string{"from", "to"})

var SagaPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "saga",
	Name:      "instances",
	Help:      "Saga instances per phase, refreshed by the watchdog",
}, []string{"phase"})

var SagaStale = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "saga",
	Name:      "stale_instances",
	Help:      "Non-terminal sagas older than the stale threshold",
})

// ─── Read path ──────────────────────────────────────────────────────────────

var CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "cache",
	Name:      "requests_total",
	Help:      "Read cache lookups by cache name and result (hit, miss)",
}, []string{"cache", "result"})
