package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Publisher delivers envelopes to the broker. Implementations must route by
// aggregate id so per-aggregate order survives, and are at-least-once: a call
// that errors after the broker durably accepted the message may be retried.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	PublishBatch(ctx context.Context, envs []Envelope) error
}

type (
	publisherOptions struct {
		metrics     Metrics
		maxTries    uint
		maxInterval time.Duration
	}
	PublisherOption interface{ applyToPublisher(*publisherOptions) }

	maxTriesOption    struct{ v uint }
	maxIntervalOption struct{ v time.Duration }
)

func (o maxTriesOption) applyToPublisher(p *publisherOptions)    { p.maxTries = o.v }
func (o maxIntervalOption) applyToPublisher(p *publisherOptions) { p.maxInterval = o.v }

// WithMaxTries caps publish attempts per envelope.
func WithMaxTries(n uint) PublisherOption { return maxTriesOption{v: n} }

// WithMaxPublishInterval caps the backoff delay between attempts.
func WithMaxPublishInterval(d time.Duration) PublisherOption { return maxIntervalOption{v: d} }

// RetryingPublisher wraps a Publisher with capped exponential backoff.
// Exhausted retries surface as *PublishError; events are never silently
// dropped — the caller (usually the outbox relay) keeps them pending.
type RetryingPublisher struct {
	log         *slog.Logger
	inner       Publisher
	metrics     Metrics
	maxTries    uint
	maxInterval time.Duration
}

func NewRetryingPublisher(log *slog.Logger, inner Publisher, opts ...PublisherOption) *RetryingPublisher {
	options := publisherOptions{
		metrics:     NopMetrics(),
		maxTries:    5,
		maxInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.applyToPublisher(&options)
	}
	return &RetryingPublisher{
		log:         log.With(slog.String("publisher", "retrying")),
		inner:       inner,
		metrics:     options.metrics,
		maxTries:    options.maxTries,
		maxInterval: options.maxInterval,
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, env Envelope) error {
	subject := env.AggregateType

	defer p.metrics.PublishDuration(subject).ObserveDuration()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = p.maxInterval

	op := func() (struct{}, error) {
		return struct{}{}, p.inner.Publish(ctx, env)
	}

	_, err := backoff.Retry(
		ctx,
		op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.metrics.PublishRetry(subject)
			p.log.Warn(
				"publish failed, retrying",
				slog.String("event_id", env.ID),
				slog.String("aggregate_id", env.AggregateID),
				slog.Duration("next_attempt_in", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		var pubErr *PublishError
		if errors.As(err, &pubErr) {
			return err
		}
		return &PublishError{Subject: subject, Err: err}
	}

	p.metrics.EventsPublished(subject, 1)
	return nil
}

// PublishBatch publishes sequentially and stops at the first exhausted
// envelope so per-aggregate order is never violated by skipping ahead.
func (p *RetryingPublisher) PublishBatch(ctx context.Context, envs []Envelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

var _ Publisher = (*RetryingPublisher)(nil)
