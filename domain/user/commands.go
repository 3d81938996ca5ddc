package user

import (
	"context"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

type (
	RegisterUser struct {
		cqrs.Meta
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	ChangeUserEmail struct {
		cqrs.Meta
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}

	RenameUser struct {
		cqrs.Meta
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}

	DeactivateUser struct {
		cqrs.Meta
		UserID string `json:"user_id"`
	}

	SuspendUser struct {
		cqrs.Meta
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
	}
)

const defaultConflictRetries = 3

// Handlers executes user commands against the write repository. Mutations
// run load-mutate-save under RetryOnConflict, so a lost race reloads fresh
// state instead of surfacing to the caller.
type Handlers struct {
	repo     Repository
	gen      cqrs.IDGenerator
	attempts int
}

func NewHandlers(repo Repository, gen cqrs.IDGenerator) *Handlers {
	return &Handlers{repo: repo, gen: gen, attempts: defaultConflictRetries}
}

// Register binds all user command handlers to the bus.
func (h *Handlers) Register(bus *cqrs.CommandBus) error {
	if err := cqrs.HandleCommand(bus, h.registerUser); err != nil {
		return err
	}
	if err := cqrs.HandleCommand(bus, h.changeEmail); err != nil {
		return err
	}
	if err := cqrs.HandleCommand(bus, h.rename); err != nil {
		return err
	}
	if err := cqrs.HandleCommand(bus, h.deactivate); err != nil {
		return err
	}
	return cqrs.HandleCommand(bus, h.suspend)
}

// registerUser returns the id of the new aggregate.
func (h *Handlers) registerUser(ctx context.Context, cmd RegisterUser) (any, error) {
	u, err := New(h.gen, cmd.Email, cmd.Name)
	if err != nil {
		return nil, err
	}
	if err := h.repo.Save(ctx, u); err != nil {
		return nil, err
	}
	return u.ID(), nil
}

func (h *Handlers) changeEmail(ctx context.Context, cmd ChangeUserEmail) (any, error) {
	return nil, h.update(ctx, cmd.UserID, func(u *User) error {
		return u.ChangeEmail(cmd.Email)
	})
}

func (h *Handlers) rename(ctx context.Context, cmd RenameUser) (any, error) {
	return nil, h.update(ctx, cmd.UserID, func(u *User) error {
		return u.Rename(cmd.Name)
	})
}

func (h *Handlers) deactivate(ctx context.Context, cmd DeactivateUser) (any, error) {
	return nil, h.update(ctx, cmd.UserID, func(u *User) error {
		return u.Deactivate()
	})
}

func (h *Handlers) suspend(ctx context.Context, cmd SuspendUser) (any, error) {
	return nil, h.update(ctx, cmd.UserID, func(u *User) error {
		return u.Suspend(cmd.Reason)
	})
}

func (h *Handlers) update(ctx context.Context, id string, mutate func(u *User) error) error {
	return cqrs.RetryOnConflict(ctx, h.attempts, func(ctx context.Context) error {
		u, err := h.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(u); err != nil {
			return err
		}
		return h.repo.Save(ctx, u)
	})
}
