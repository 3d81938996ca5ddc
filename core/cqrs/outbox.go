package cqrs

import (
	"context"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EventSink receives the envelopes produced by a save. Write repositories
// append to a sink inside the same transaction that commits the state row, so
// a committed mutation can never lose its events.
type EventSink interface {
	Append(ctx context.Context, envs ...Envelope) error
}

// OutboxEntry is one pending envelope. Seq is assigned by the store in
// insertion order; publishing in Seq order preserves per-aggregate order.
type OutboxEntry struct {
	Seq       int64
	Envelope  Envelope
	CreatedAt time.Time
}

// OutboxStore is the durable queue between write-side commits and the broker.
type OutboxStore interface {
	EventSink
	FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, seqs []int64) error
}

type (
	relayOptions struct {
		metrics   Metrics
		interval  time.Duration
		batchSize int
	}
	RelayOption interface{ applyToRelay(*relayOptions) }

	relayIntervalOption struct{ v time.Duration }
	relayBatchOption    struct{ v int }
)

func (o relayIntervalOption) applyToRelay(r *relayOptions) { r.interval = o.v }
func (o relayBatchOption) applyToRelay(r *relayOptions)    { r.batchSize = o.v }

func WithRelayInterval(d time.Duration) RelayOption { return relayIntervalOption{v: d} }
func WithRelayBatchSize(n int) RelayOption          { return relayBatchOption{v: n} }

// Relay closes the commit-then-publish gap: it polls the outbox for pending
// envelopes, publishes them in insertion order and marks them published.
// A crash between publish and mark causes redelivery, which downstream
// consumers already tolerate (at-least-once).
type Relay struct {
	log       *slog.Logger
	store     OutboxStore
	pub       Publisher
	metrics   Metrics
	interval  time.Duration
	batchSize int
}

func NewRelay(log *slog.Logger, store OutboxStore, pub Publisher, opts ...RelayOption) *Relay {
	options := relayOptions{
		metrics:   NopMetrics(),
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt.applyToRelay(&options)
	}
	return &Relay{
		log:       log.With(slog.String("relay", gonanoid.Must(6))),
		store:     store,
		pub:       pub,
		metrics:   options.metrics,
		interval:  options.interval,
		batchSize: options.batchSize,
	}
}

// Run polls until ctx is cancelled. Publish failures are logged and retried
// on the next tick; pending entries are never dropped.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay started", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return nil
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				r.log.Error("relay drain failed", slog.Any("error", err))
			}
		}
	}
}

// Drain publishes every pending entry, batch by batch, until the outbox is
// empty or an error occurs.
func (r *Relay) Drain(ctx context.Context) error {
	for {
		entries, err := r.store.FetchPending(ctx, r.batchSize)
		if err != nil {
			return err
		}
		r.metrics.OutboxPending(len(entries))
		if len(entries) == 0 {
			return nil
		}

		envs := make([]Envelope, 0, len(entries))
		seqs := make([]int64, 0, len(entries))
		for _, e := range entries {
			envs = append(envs, e.Envelope)
			seqs = append(seqs, e.Seq)
		}

		if err := r.pub.PublishBatch(ctx, envs); err != nil {
			return err
		}
		if err := r.store.MarkPublished(ctx, seqs); err != nil {
			return err
		}

		r.log.Debug("relayed", slog.Int("events", len(envs)))

		if len(entries) < r.batchSize {
			return nil
		}
	}
}
