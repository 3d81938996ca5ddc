// Package prometheus provides the Prometheus implementation of the engine's
// metrics facade.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/cqrs"
	"github.com/codewandler/cqrs-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// engineMetrics implements cqrs.Metrics using Prometheus.
type engineMetrics struct {
	commandDuration   *prometheus.HistogramVec
	commandsTotal     *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	queriesTotal      *prometheus.CounterVec
	conflictsTotal    *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	publishRetries    *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	outboxPending     prometheus.Gauge
	projectorDuration *prometheus.HistogramVec
	projectorTotal    *prometheus.CounterVec
	deadLettersTotal  *prometheus.CounterVec
}

// NewEngineMetrics creates a new Prometheus implementation of cqrs.Metrics.
func NewEngineMetrics(reg prometheus.Registerer) cqrs.Metrics {
	m := &engineMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_command_duration_seconds",
			Help:    "Command handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_commands_total",
			Help: "Total number of commands processed",
		}, []string{"command", "success"}),

		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_query_duration_seconds",
			Help:    "Query handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"query"}),

		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_queries_total",
			Help: "Total number of queries processed",
		}, []string{"query", "success"}),

		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"aggregate_type"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_publish_duration_seconds",
			Help:    "Event publish latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"subject"}),

		publishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_publish_retries_total",
			Help: "Total number of publish retries",
		}, []string{"subject"}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_events_published_total",
			Help: "Total number of events published",
		}, []string{"subject"}),

		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cqrs_outbox_pending",
			Help: "Number of outbox entries awaiting publication",
		}),

		projectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_projector_event_duration_seconds",
			Help:    "Projection apply time in seconds",
			Buckets: defaultBuckets,
		}, []string{"event"}),

		projectorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projector_events_total",
			Help: "Total number of deliveries handled by the projector",
		}, []string{"event", "outcome"}),

		deadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_dead_letters_total",
			Help: "Total number of dead-lettered events",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.commandDuration,
		m.commandsTotal,
		m.queryDuration,
		m.queriesTotal,
		m.conflictsTotal,
		m.publishDuration,
		m.publishRetries,
		m.eventsPublished,
		m.outboxPending,
		m.projectorDuration,
		m.projectorTotal,
		m.deadLettersTotal,
	)

	return m
}

func (m *engineMetrics) CommandDuration(command string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(command))
}

func (m *engineMetrics) CommandProcessed(command string, success bool) {
	m.commandsTotal.WithLabelValues(command, boolToStr(success)).Inc()
}

func (m *engineMetrics) QueryDuration(query string) metrics.Timer {
	return newTimer(m.queryDuration.WithLabelValues(query))
}

func (m *engineMetrics) QueryProcessed(query string, success bool) {
	m.queriesTotal.WithLabelValues(query, boolToStr(success)).Inc()
}

func (m *engineMetrics) ConcurrencyConflict(aggType string) {
	m.conflictsTotal.WithLabelValues(aggType).Inc()
}

func (m *engineMetrics) PublishDuration(subject string) metrics.Timer {
	return newTimer(m.publishDuration.WithLabelValues(subject))
}

func (m *engineMetrics) PublishRetry(subject string) {
	m.publishRetries.WithLabelValues(subject).Inc()
}

func (m *engineMetrics) EventsPublished(subject string, count int) {
	m.eventsPublished.WithLabelValues(subject).Add(float64(count))
}

func (m *engineMetrics) OutboxPending(count int) {
	m.outboxPending.Set(float64(count))
}

func (m *engineMetrics) ProjectorEventDuration(event string) metrics.Timer {
	return newTimer(m.projectorDuration.WithLabelValues(event))
}

func (m *engineMetrics) ProjectorEventProcessed(event string, outcome cqrs.ProjectorOutcome) {
	m.projectorTotal.WithLabelValues(event, string(outcome)).Inc()
}

func (m *engineMetrics) DeadLettered(reason string) {
	m.deadLettersTotal.WithLabelValues(reason).Inc()
}

var _ cqrs.Metrics = (*engineMetrics)(nil)
