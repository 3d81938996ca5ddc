package cqrs

import "github.com/codewandler/cqrs-go/core/metrics"

// ProjectorOutcome labels what the projector did with one delivery.
type ProjectorOutcome string

const (
	OutcomeApplied      ProjectorOutcome = "applied"
	OutcomeSkipped      ProjectorOutcome = "skipped"
	OutcomeStashed      ProjectorOutcome = "stashed"
	OutcomeDeadLettered ProjectorOutcome = "dead_lettered"
	OutcomeFailed       ProjectorOutcome = "failed"
)

// Metrics is the instrumentation facade for the engine. Implementations must
// be safe for concurrent use; see adapters/prometheus for the real one.
type Metrics interface {
	CommandDuration(command string) metrics.Timer
	CommandProcessed(command string, success bool)

	QueryDuration(query string) metrics.Timer
	QueryProcessed(query string, success bool)

	ConcurrencyConflict(aggType string)

	PublishDuration(subject string) metrics.Timer
	PublishRetry(subject string)
	EventsPublished(subject string, count int)
	OutboxPending(count int)

	ProjectorEventDuration(event string) metrics.Timer
	ProjectorEventProcessed(event string, outcome ProjectorOutcome)
	DeadLettered(reason string)
}

type nopMetrics struct{}

func (nopMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandProcessed(string, bool)        {}

func (nopMetrics) QueryDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) QueryProcessed(string, bool)        {}

func (nopMetrics) ConcurrencyConflict(string) {}

func (nopMetrics) PublishDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) PublishRetry(string)                  {}
func (nopMetrics) EventsPublished(string, int)          {}
func (nopMetrics) OutboxPending(int)                    {}

func (nopMetrics) ProjectorEventDuration(string) metrics.Timer      { return metrics.NopTimer() }
func (nopMetrics) ProjectorEventProcessed(string, ProjectorOutcome) {}
func (nopMetrics) DeadLettered(string)                              {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

// MetricsOption injects a Metrics implementation into engine components.
type MetricsOption struct{ m Metrics }

func WithMetrics(m Metrics) MetricsOption { return MetricsOption{m: m} }

func (o MetricsOption) applyToBus(b *busOptions)             { b.metrics = o.m }
func (o MetricsOption) applyToPublisher(p *publisherOptions) { p.metrics = o.m }
func (o MetricsOption) applyToRelay(r *relayOptions)         { r.metrics = o.m }
func (o MetricsOption) applyToProjector(p *projectorOptions) { p.metrics = o.m }
