package cqrs

import (
	"errors"
	"fmt"
	"time"
)

// Applier updates state from a single event.
type Applier interface {
	Apply(event any) error
}

// Aggregate is the write-side consistency boundary. Concrete aggregates embed
// Base and implement AggregateType plus Apply.
//
// Lifecycle:
//  1. A factory creates the aggregate and raises its "created" event, or a
//     repository rehydrates it from persisted state.
//  2. Domain methods validate invariants and raise further events.
//  3. A repository persists state with a conditional write on the committed
//     version and calls MarkCommitted only after the commit succeeds.
type Aggregate interface {
	Applier

	// AggregateType names the kind of aggregate, e.g. "user".
	AggregateType() string
	// ID returns the immutable aggregate identity.
	ID() string
	// Version counts every event ever raised, committed or not.
	Version() Version
	// CommittedVersion is the version the write store last confirmed. It is
	// the expected version for the next conditional write.
	CommittedVersion() Version
	// Uncommitted returns a copy of the buffered, not yet persisted events.
	Uncommitted() []any
	// MarkCommitted clears the buffer. Only call after durable persistence.
	MarkCommitted()
	// Rehydrate resets identity, version and timestamps from persisted state.
	Rehydrate(id string, version Version, createdAt, updatedAt time.Time) error
}

// Base is the embeddable aggregate helper: identity, version bookkeeping and
// the uncommitted event buffer. It holds no domain state.
type Base struct {
	id          string
	version     Version
	committed   Version
	createdAt   time.Time
	updatedAt   time.Time
	uncommitted []any
}

func (b *Base) ID() string                { return b.id }
func (b *Base) SetID(id string)           { b.id = id }
func (b *Base) Version() Version          { return b.version }
func (b *Base) CommittedVersion() Version { return b.committed }
func (b *Base) CreatedAt() time.Time      { return b.createdAt }
func (b *Base) UpdatedAt() time.Time      { return b.updatedAt }

// Raise buffers an event and advances the version. Version therefore always
// equals the count of events ever raised for this aggregate.
func (b *Base) Raise(event any) {
	b.uncommitted = append(b.uncommitted, event)
	b.version++
}

func (b *Base) Uncommitted() []any {
	out := make([]any, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

func (b *Base) MarkCommitted() {
	b.committed = b.version
	b.uncommitted = nil
}

func (b *Base) Rehydrate(id string, version Version, createdAt, updatedAt time.Time) error {
	if len(b.uncommitted) != 0 {
		return errors.New("aggregate has uncommitted events")
	}
	if id == "" {
		return errors.New("id is required")
	}
	b.id = id
	b.version = version
	b.committed = version
	b.createdAt = createdAt
	b.updatedAt = updatedAt
	return nil
}

// Snapshotter captures and restores domain attributes. Used by repositories
// that persist current state instead of the event stream.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply validates each event (when it implements Validate), records
// it as uncommitted and applies it to mutate state.
func RaiseAndApply(a raiseApplier, events ...any) error {
	for _, e := range events {
		if v, ok := e.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", e, err)
			}
		}
	}
	for _, e := range events {
		a.Raise(e)
		if err := a.Apply(e); err != nil {
			return err
		}
	}
	return nil
}
