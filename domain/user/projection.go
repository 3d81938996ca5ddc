package user

import (
	"context"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// ReadStore is a ReadRepository the projection can also write to. The
// projection is its only writer.
type ReadStore interface {
	ReadRepository
	Put(ctx context.Context, m ReadModel) error
}

// Projection folds user events into the read store. Reapplying a version the
// store has already seen is a no-op because the projector gates on
// LastAppliedVersion before calling Apply.
type Projection struct {
	store ReadStore
}

func NewProjection(store ReadStore) *Projection {
	return &Projection{store: store}
}

func (p *Projection) Name() string { return "user-view" }

func (p *Projection) LastAppliedVersion(ctx context.Context, aggregateID string) (cqrs.Version, error) {
	m, found, err := p.store.Get(ctx, aggregateID)
	if err != nil || !found {
		return 0, err
	}
	return m.LastApplied, nil
}

func (p *Projection) Apply(ctx context.Context, env cqrs.Envelope, event any) error {
	m, _, err := p.store.Get(ctx, env.AggregateID)
	if err != nil {
		return err
	}

	switch ev := event.(type) {
	case *Created:
		m = ReadModel{ID: env.AggregateID, Email: ev.Email, Name: ev.Name, Status: StatusActive}
	case *EmailChanged:
		m.Email = ev.Email
	case *Renamed:
		m.Name = ev.Name
	case *Deactivated:
		m.Status = StatusInactive
	case *Suspended:
		m.Status = StatusSuspended
	}

	m.ID = env.AggregateID
	m.LastApplied = env.Version
	m.LastUpdated = env.OccurredAt
	return p.store.Put(ctx, m)
}

var _ cqrs.Projection = (*Projection)(nil)
