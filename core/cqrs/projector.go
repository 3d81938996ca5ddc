package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Delivery is one envelope received from the broker. Ack must only be called
// after the read-model write (or dead-letter routing) succeeded, so a crash
// before acknowledgment causes safe redelivery.
type Delivery struct {
	Envelope Envelope
	Ack      func() error
}

type Subscription interface {
	Chan() <-chan Delivery
	Cancel()
}

// EventSource is the consuming side of the broker.
type EventSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Projection is a read model fed by the projector. It is the only writer of
// its store. Apply is called exactly when the gate passes, i.e. with
// env.Version == LastAppliedVersion+1, and must persist the advanced version
// together with the state so reapplication stays a no-op.
type Projection interface {
	Name() string
	LastAppliedVersion(ctx context.Context, aggregateID string) (Version, error)
	Apply(ctx context.Context, env Envelope, event any) error
}

// DeadLetterer preserves envelopes that cannot be processed for manual
// inspection and replay.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env Envelope, reason string) error
}

// ApplyFunc is the projector's inner step, wrappable by middleware.
type ApplyFunc func(ctx context.Context, env Envelope, event any) error

type Middleware func(next ApplyFunc) ApplyFunc

// NewLogMiddleware logs every applied event with its duration.
func NewLogMiddleware(log *slog.Logger) Middleware {
	return func(next ApplyFunc) ApplyFunc {
		return func(ctx context.Context, env Envelope, event any) error {
			start := time.Now()
			err := next(ctx, env, event)
			l := log.With(
				slog.Group(
					"event",
					slog.String("id", env.ID),
					slog.String("name", env.Name),
					slog.String("aggregate_id", env.AggregateID),
					env.Version.SlogAttr(),
				),
				slog.Duration("duration", time.Since(start)),
			)
			if err != nil {
				l.Error("apply failed", slog.Any("error", err))
			} else {
				l.Debug("applied")
			}
			return err
		}
	}
}

type (
	projectorOptions struct {
		metrics  Metrics
		name     string
		maxStash int
		mws      []Middleware
	}
	ProjectorOption interface{ applyToProjector(*projectorOptions) }

	projectorNameOption  struct{ v string }
	projectorStashOption struct{ v int }
	projectorMWOption    struct{ v []Middleware }
)

func (o projectorNameOption) applyToProjector(p *projectorOptions)  { p.name = o.v }
func (o projectorStashOption) applyToProjector(p *projectorOptions) { p.maxStash = o.v }
func (o projectorMWOption) applyToProjector(p *projectorOptions) {
	p.mws = append(p.mws, o.v...)
}

func WithProjectorName(name string) ProjectorOption { return projectorNameOption{v: name} }

// WithMaxStash bounds how many out-of-order envelopes are buffered per
// aggregate before the projector starts dead-lettering gapped events.
func WithMaxStash(n int) ProjectorOption { return projectorStashOption{v: n} }

func WithProjectorMiddleware(mws ...Middleware) ProjectorOption {
	return projectorMWOption{v: mws}
}

// Projector is the long-running event consumer. For every delivery it decodes
// the envelope, gates it against the projection's last applied version and
// either applies, skips, stashes or dead-letters it. Offsets (acks) advance
// only after the read-model write, never before.
type Projector struct {
	log        *slog.Logger
	source     EventSource
	decoder    Decoder
	projection Projection
	dlq        DeadLetterer
	metrics    Metrics
	apply      ApplyFunc
	name       string
	maxStash   int

	// stash holds out-of-order deliveries per aggregate, keyed by version.
	// Entries are acked only once applied or dead-lettered; an entry whose
	// predecessor never arrives is redelivered by the broker.
	stash map[string]map[Version]Delivery

	closeChan chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewProjector(
	log *slog.Logger,
	source EventSource,
	decoder Decoder,
	projection Projection,
	dlq DeadLetterer,
	opts ...ProjectorOption,
) *Projector {
	options := projectorOptions{
		metrics:  NopMetrics(),
		name:     fmt.Sprintf("projector-%s", gonanoid.Must(6)),
		maxStash: 32,
	}
	for _, opt := range opts {
		opt.applyToProjector(&options)
	}

	apply := projection.Apply
	for i := len(options.mws) - 1; i >= 0; i-- {
		apply = options.mws[i](apply)
	}

	return &Projector{
		log: log.With(
			slog.String("projector", options.name),
			slog.String("projection", projection.Name()),
		),
		source:     source,
		decoder:    decoder,
		projection: projection,
		dlq:        dlq,
		metrics:    options.metrics,
		apply:      apply,
		name:       options.name,
		maxStash:   options.maxStash,
		stash:      map[string]map[Version]Delivery{},
		closeChan:  make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes and launches the consumer loop. The loop finishes the
// in-flight delivery before honoring cancellation, so an acknowledged write
// is never half done.
func (p *Projector) Start(ctx context.Context) error {
	sub, err := p.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	p.log.Info("projector started")

	go func() {
		defer func() {
			sub.Cancel()
			p.log.Info("projector stopped")
			close(p.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closeChan:
				return
			case d, ok := <-sub.Chan():
				if !ok {
					return
				}
				if err := p.handle(ctx, d); err != nil {
					p.log.Error("delivery failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

func (p *Projector) Stop() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		<-p.done
	})
}

func (p *Projector) handle(ctx context.Context, d Delivery) error {
	env := d.Envelope

	defer p.metrics.ProjectorEventDuration(env.Name).ObserveDuration()

	if err := env.Validate(); err != nil {
		return p.deadLetter(ctx, d, fmt.Sprintf("invalid envelope: %v", err))
	}

	event, err := p.decoder.Decode(env)
	if err != nil {
		return p.deadLetter(ctx, d, fmt.Sprintf("undecodable: %v", err))
	}

	return p.gate(ctx, d, event)
}

// gate enforces the idempotence rule: version <= last applied is a silent
// no-op, last+1 applies and advances, anything further is a gap.
func (p *Projector) gate(ctx context.Context, d Delivery, event any) error {
	env := d.Envelope

	last, err := p.projection.LastAppliedVersion(ctx, env.AggregateID)
	if err != nil {
		return fmt.Errorf("last applied version for %s: %w", env.AggregateID, err)
	}

	p.purgeStash(env.AggregateID, last)

	switch {
	case env.Version <= last:
		p.metrics.ProjectorEventProcessed(env.Name, OutcomeSkipped)
		p.log.Debug(
			"stale redelivery skipped",
			slog.String("aggregate_id", env.AggregateID),
			env.Version.SlogAttr(),
			last.SlogAttrWithKey("last_applied"),
		)
		return d.Ack()

	case env.Version == last+1:
		if err := p.applyAndAck(ctx, d, event); err != nil {
			return err
		}
		return p.drainStash(ctx, env.AggregateID, env.Version)

	default:
		return p.stashGap(ctx, d, last)
	}
}

func (p *Projector) applyAndAck(ctx context.Context, d Delivery, event any) error {
	env := d.Envelope
	if err := p.apply(ctx, env, event); err != nil {
		p.metrics.ProjectorEventProcessed(env.Name, OutcomeFailed)
		// no ack: the broker redelivers and idempotence makes that safe
		return fmt.Errorf("apply %s v%d: %w", env.AggregateID, env.Version, err)
	}
	p.metrics.ProjectorEventProcessed(env.Name, OutcomeApplied)
	return d.Ack()
}

// purgeStash drops stash entries at or below last. Their versions reached the
// read model through another copy, so they are acked as stale redeliveries;
// without the purge they would sit unacked until restart.
func (p *Projector) purgeStash(aggID string, last Version) {
	pending, ok := p.stash[aggID]
	if !ok {
		return
	}

	for v, d := range pending {
		if v > last {
			continue
		}
		delete(pending, v)
		p.metrics.ProjectorEventProcessed(d.Envelope.Name, OutcomeSkipped)
		if err := d.Ack(); err != nil {
			p.log.Error("ack failed", slog.String("event_id", d.Envelope.ID), slog.Any("error", err))
		}
	}
	if len(pending) == 0 {
		delete(p.stash, aggID)
	}
}

// drainStash applies stashed successors that became contiguous.
func (p *Projector) drainStash(ctx context.Context, aggID string, applied Version) error {
	pending, ok := p.stash[aggID]
	if !ok {
		return nil
	}

	next := applied + 1
	for {
		d, ok := pending[next]
		if !ok {
			break
		}
		delete(pending, next)

		event, err := p.decoder.Decode(d.Envelope)
		if err != nil {
			if dlErr := p.deadLetter(ctx, d, fmt.Sprintf("undecodable: %v", err)); dlErr != nil {
				return dlErr
			}
			next++
			continue
		}
		if err := p.applyAndAck(ctx, d, event); err != nil {
			return err
		}
		next++
	}

	if len(pending) == 0 {
		delete(p.stash, aggID)
	}
	return nil
}

// stashGap buffers an out-of-order delivery, bounded per aggregate. When the
// bound is hit the delivery is dead-lettered instead — it is never applied
// out of order.
func (p *Projector) stashGap(ctx context.Context, d Delivery, last Version) error {
	env := d.Envelope

	pending, ok := p.stash[env.AggregateID]
	if !ok {
		pending = map[Version]Delivery{}
		p.stash[env.AggregateID] = pending
	}

	if _, dup := pending[env.Version]; !dup && len(pending) >= p.maxStash {
		perr := &ProjectionError{
			Reason:       "gap exceeds stash bound",
			EventID:      env.ID,
			AggregateID:  env.AggregateID,
			EventVersion: env.Version,
			LastApplied:  last,
		}
		return p.deadLetter(ctx, d, perr.Error())
	}

	pending[env.Version] = d
	p.metrics.ProjectorEventProcessed(env.Name, OutcomeStashed)
	p.log.Warn(
		"gap detected, stashed",
		slog.String("aggregate_id", env.AggregateID),
		env.Version.SlogAttr(),
		last.SlogAttrWithKey("last_applied"),
		slog.Int("stashed", len(pending)),
	)
	return nil
}

func (p *Projector) deadLetter(ctx context.Context, d Delivery, reason string) error {
	env := d.Envelope
	if err := p.dlq.DeadLetter(ctx, env, reason); err != nil {
		// keep the delivery unacked so the broker retries it later
		return fmt.Errorf("dead-letter %s: %w", env.ID, err)
	}
	p.metrics.ProjectorEventProcessed(env.Name, OutcomeDeadLettered)
	p.metrics.DeadLettered(reason)
	p.log.Warn(
		"dead-lettered",
		slog.String("event_id", env.ID),
		slog.String("event_name", env.Name),
		slog.String("aggregate_id", env.AggregateID),
		slog.String("reason", reason),
	)
	return d.Ack()
}
