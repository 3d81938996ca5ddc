package user

import (
	"context"
	"fmt"
	"time"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// ReadModel is the denormalized user view. LastApplied is the projection's
// idempotence cursor and always moves together with the state.
type ReadModel struct {
	ID          string       `json:"id"`
	Email       string       `json:"email"`
	Name        string       `json:"name"`
	Status      Status       `json:"status"`
	LastApplied cqrs.Version `json:"lastApplied"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

type (
	GetUser struct {
		cqrs.Meta
		UserID string `json:"user_id"`
	}

	GetUserByEmail struct {
		cqrs.Meta
		Email string `json:"email"`
	}

	ListUsers struct {
		cqrs.Meta
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
)

// ReadRepository serves the query side. Lookups report absence with a bool,
// not an error; the view trailing the write side is normal operation.
type ReadRepository interface {
	Get(ctx context.Context, id string) (ReadModel, bool, error)
	GetByEmail(ctx context.Context, email string) (ReadModel, bool, error)
	List(ctx context.Context, limit, offset int) ([]ReadModel, error)
}

type QueryHandlers struct {
	reads ReadRepository
}

func NewQueryHandlers(reads ReadRepository) *QueryHandlers {
	return &QueryHandlers{reads: reads}
}

// Register binds all user query handlers to the bus.
func (h *QueryHandlers) Register(bus *cqrs.QueryBus) error {
	if err := cqrs.HandleQuery(bus, h.getUser); err != nil {
		return err
	}
	if err := cqrs.HandleQuery(bus, h.getUserByEmail); err != nil {
		return err
	}
	return cqrs.HandleQuery(bus, h.listUsers)
}

func (h *QueryHandlers) getUser(ctx context.Context, q GetUser) (any, error) {
	m, found, err := h.reads.Get(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", cqrs.ErrNotFound, q.UserID)
	}
	return m, nil
}

func (h *QueryHandlers) getUserByEmail(ctx context.Context, q GetUserByEmail) (any, error) {
	m, found, err := h.reads.GetByEmail(ctx, q.Email)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: email %s", cqrs.ErrNotFound, q.Email)
	}
	return m, nil
}

func (h *QueryHandlers) listUsers(ctx context.Context, q ListUsers) (any, error) {
	return h.reads.List(ctx, q.Limit, q.Offset)
}
