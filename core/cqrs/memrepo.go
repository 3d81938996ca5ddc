package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StateAggregate is what a state-persisting repository needs from an
// aggregate: the engine contract plus snapshot/restore of domain attributes.
type StateAggregate interface {
	Aggregate
	Snapshotter
}

type memoryState struct {
	data      []byte
	version   Version
	createdAt time.Time
	updatedAt time.Time
}

// MemoryRepository is an in-memory write repository with the same contract as
// the SQL-backed ones: a compare-and-swap on the committed version, and the
// new envelopes appended to the sink atomically with the state swap.
type MemoryRepository[T StateAggregate] struct {
	log     *slog.Logger
	newFn   func() T
	sink    EventSink
	gen     IDGenerator
	metrics Metrics
	now     func() time.Time

	mu     sync.Mutex
	states map[string]memoryState
}

func NewMemoryRepository[T StateAggregate](
	log *slog.Logger,
	newFn func() T,
	sink EventSink,
	gen IDGenerator,
) *MemoryRepository[T] {
	return &MemoryRepository[T]{
		log:     log.With(slog.String("repo", "memory")),
		newFn:   newFn,
		sink:    sink,
		gen:     gen,
		metrics: NopMetrics(),
		now:     time.Now,
		states:  map[string]memoryState{},
	}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (r *MemoryRepository[T]) WithClock(now func() time.Time) *MemoryRepository[T] {
	r.now = now
	return r
}

// WithMetrics instruments the repository, counting lost conditional writes.
func (r *MemoryRepository[T]) WithMetrics(m Metrics) *MemoryRepository[T] {
	r.metrics = m
	return r
}

func (r *MemoryRepository[T]) Get(_ context.Context, id string) (T, error) {
	var zero T

	r.mu.Lock()
	st, ok := r.states[id]
	r.mu.Unlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := r.newFn()
	if err := agg.RestoreSnapshot(st.data); err != nil {
		return zero, fmt.Errorf("restore %s: %w", id, err)
	}
	if err := agg.Rehydrate(id, st.version, st.createdAt, st.updatedAt); err != nil {
		return zero, err
	}
	return agg, nil
}

// Save performs the conditional write: the stored version must still equal
// the aggregate's committed version, otherwise ErrConflict. No locks are held
// across load-mutate-save; concurrent savers race and at most one wins per
// version.
func (r *MemoryRepository[T]) Save(ctx context.Context, agg T) error {
	if len(agg.Uncommitted()) == 0 {
		return nil
	}

	envs, err := BuildEnvelopes(agg, r.gen, r.now)
	if err != nil {
		return err
	}

	var (
		id     = agg.ID()
		expect = agg.CommittedVersion()
	)

	data, err := agg.Snapshot()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cur, exists := r.states[id]
	switch {
	case !exists && expect != 0:
		r.metrics.ConcurrencyConflict(agg.AggregateType())
		return fmt.Errorf("%w: %s expected version %d, row is gone", ErrConflict, id, expect)
	case exists && cur.version != expect:
		r.metrics.ConcurrencyConflict(agg.AggregateType())
		return fmt.Errorf("%w: %s expected version %d, stored %d", ErrConflict, id, expect, cur.version)
	}

	createdAt := now
	if exists {
		createdAt = cur.createdAt
	}

	// sink append and state swap succeed or fail together
	if err := r.sink.Append(ctx, envs...); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	r.states[id] = memoryState{
		data:      data,
		version:   agg.Version(),
		createdAt: createdAt,
		updatedAt: now,
	}

	agg.MarkCommitted()

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("type", agg.AggregateType()),
			slog.String("id", id),
			agg.Version().SlogAttr(),
		),
		slog.Int("num_events", len(envs)),
	)
	return nil
}
