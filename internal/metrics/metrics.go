// Package metrics holds the Prometheus instruments exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reconciler"

var (
	// DeliveriesReceived counts deliveries recorded in the ledger.
	DeliveriesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_received_total",
		Help:      "Deliveries recorded in the ledger.",
	}, []string{"source", "triggered_by"})

	// DeliveryOutcomes counts settled delivery attempts by status.
	DeliveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_outcomes_total",
		Help:      "Delivery attempts by resulting status (applied, failed, dead_lettered, deferred).",
	}, []string{"source", "status"})

	// DeliveryErrors counts failed attempts by error kind.
	DeliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_errors_total",
		Help:      "Failed delivery attempts by error kind.",
	}, []string{"source", "kind"})

	// Upserts counts upsert engine outcomes.
	Upserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upserts_total",
		Help:      "Envelopes applied by the upsert engine, by action.",
	}, []string{"source", "entity_type", "action"})

	// ApplyLatency observes source change to durable apply.
	ApplyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "apply_latency_seconds",
		Help:      "Time from source change to canonical write.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
	}, []string{"source"})

	// Redactions counts fields stripped by the redaction policy.
	Redactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redacted_fields_total",
		Help:      "Fields stripped by the redaction policy.",
	}, []string{"source", "entity_type"})

	// PollRuns counts poll attempts by outcome.
	PollRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_runs_total",
		Help:      "Incremental polls by outcome.",
	}, []string{"source", "entity_type", "status"})

	// Reconciled records the last reconciliation pass per pair.
	Reconciled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_records",
		Help:      "Records per outcome in the last reconciliation pass.",
	}, []string{"source", "entity_type", "outcome"})

	// CircuitState is 0 closed, 1 open, 2 half-open.
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state per source (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})

	// EventsPublished counts events fanned out by the bus.
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Integration events published to the bus.",
	})

	// EventsDropped counts live deliveries skipped for slow subscribers.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events not delivered live to a slow subscriber.",
	})

	// EventsPruned counts events removed by retention.
	EventsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_pruned_total",
		Help:      "Integration events removed by retention.",
	})

	// Subscribers is the number of live event subscribers.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Live event bus subscribers.",
	})
)

// Registry holds every reconciler collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DeliveriesReceived,
		DeliveryOutcomes,
		DeliveryErrors,
		Upserts,
		ApplyLatency,
		Redactions,
		PollRuns,
		Reconciled,
		CircuitState,
		EventsPublished,
		EventsDropped,
		EventsPruned,
		Subscribers,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
