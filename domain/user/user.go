// Package user is the reference bounded context of the engine: a user
// account aggregate on the write side, a user view on the read side, and the
// commands, queries and projection connecting them.
package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

const AggregateType = "user"

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

type (
	Created struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	EmailChanged struct {
		Email string `json:"email"`
	}

	Renamed struct {
		Name string `json:"name"`
	}

	Deactivated struct{}

	Suspended struct {
		Reason string `json:"reason"`
	}
)

func (*Created) EventName() string      { return "user-created" }
func (*EmailChanged) EventName() string { return "user-email-changed" }
func (*Renamed) EventName() string      { return "user-renamed" }
func (*Deactivated) EventName() string  { return "user-deactivated" }
func (*Suspended) EventName() string    { return "user-suspended" }

// RegisterEvents adds all user events to a registry.
func RegisterEvents(r cqrs.Registrar) {
	cqrs.RegisterEvents(r,
		cqrs.Event[Created](),
		cqrs.Event[EmailChanged](),
		cqrs.Event[Renamed](),
		cqrs.Event[Deactivated](),
		cqrs.Event[Suspended](),
	)
}

// Events returns a registry holding all user events.
func Events() *cqrs.EventRegistry {
	r := cqrs.NewEventRegistry()
	RegisterEvents(r)
	return r
}

// attributes is the snapshot of current state, persisted by repositories.
type attributes struct {
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name" validate:"required"`
	Status Status `json:"status"`
}

type User struct {
	cqrs.Base
	attrs attributes
}

// NewEmpty returns a blank user for repositories to rehydrate.
func NewEmpty() *User { return &User{} }

// New creates a user and raises its created event. The id comes from gen so
// callers control identity generation.
func New(gen cqrs.IDGenerator, email, name string) (*User, error) {
	if err := validateAttrs(attributes{Email: email, Name: name, Status: StatusActive}); err != nil {
		return nil, err
	}

	u := &User{}
	u.SetID(gen.NewID())
	if err := cqrs.RaiseAndApply(u, &Created{ID: u.ID(), Email: email, Name: name}); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) AggregateType() string { return AggregateType }

func (u *User) Email() string  { return u.attrs.Email }
func (u *User) Name() string   { return u.attrs.Name }
func (u *User) Status() Status { return u.attrs.Status }

// ChangeEmail validates and, when the address actually differs, raises the
// change event. Setting the current address again raises nothing.
func (u *User) ChangeEmail(email string) error {
	if err := u.mutable(); err != nil {
		return err
	}
	next := u.attrs
	next.Email = email
	if err := validateAttrs(next); err != nil {
		return err
	}
	if u.attrs.Email == email {
		return nil
	}
	return cqrs.RaiseAndApply(u, &EmailChanged{Email: email})
}

func (u *User) Rename(name string) error {
	if err := u.mutable(); err != nil {
		return err
	}
	next := u.attrs
	next.Name = name
	if err := validateAttrs(next); err != nil {
		return err
	}
	if u.attrs.Name == name {
		return nil
	}
	return cqrs.RaiseAndApply(u, &Renamed{Name: name})
}

func (u *User) Deactivate() error {
	if u.attrs.Status == StatusInactive {
		return nil
	}
	return cqrs.RaiseAndApply(u, &Deactivated{})
}

func (u *User) Suspend(reason string) error {
	if reason == "" {
		return &cqrs.ValidationError{Field: "reason", Rule: "required", Message: "suspension reason is required"}
	}
	if u.attrs.Status == StatusSuspended {
		return nil
	}
	return cqrs.RaiseAndApply(u, &Suspended{Reason: reason})
}

func (u *User) mutable() error {
	if u.attrs.Status == StatusSuspended {
		return &cqrs.ValidationError{Field: "status", Rule: "mutable", Message: "suspended users cannot be modified"}
	}
	return nil
}

func (u *User) Apply(event any) error {
	switch ev := event.(type) {
	case *Created:
		u.attrs.Email = ev.Email
		u.attrs.Name = ev.Name
		u.attrs.Status = StatusActive
	case *EmailChanged:
		u.attrs.Email = ev.Email
	case *Renamed:
		u.attrs.Name = ev.Name
	case *Deactivated:
		u.attrs.Status = StatusInactive
	case *Suspended:
		u.attrs.Status = StatusSuspended
	default:
		return fmt.Errorf("unexpected event %T", event)
	}
	return nil
}

func (u *User) Snapshot() ([]byte, error) {
	return json.Marshal(u.attrs)
}

func (u *User) RestoreSnapshot(data []byte) error {
	return json.Unmarshal(data, &u.attrs)
}

var (
	_ cqrs.Aggregate   = (*User)(nil)
	_ cqrs.Snapshotter = (*User)(nil)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateAttrs(a attributes) error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &cqrs.ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Rule:    fe.Tag(),
			Message: fmt.Sprintf("%q fails rule %q", fe.Value(), fe.Tag()),
		}
	}
	return err
}
