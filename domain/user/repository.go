package user

import (
	"context"
	"log/slog"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// Repository is the write-side store for user aggregates. Save performs a
// conditional write on the committed version and returns cqrs.ErrConflict
// when another writer got there first.
type Repository interface {
	Get(ctx context.Context, id string) (*User, error)
	Save(ctx context.Context, u *User) error
}

// NewMemoryRepository wires the generic in-memory repository for users,
// mostly for tests and examples.
func NewMemoryRepository(log *slog.Logger, sink cqrs.EventSink, gen cqrs.IDGenerator) *cqrs.MemoryRepository[*User] {
	return cqrs.NewMemoryRepository(log, NewEmpty, sink, gen)
}
