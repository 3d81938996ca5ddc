package cqrs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals an absent aggregate on the write side.
	ErrNotFound = errors.New("aggregate not found")
	// ErrConflict signals a failed optimistic version check. Retryable by
	// reloading and reapplying, see RetryOnConflict.
	ErrConflict = errors.New("concurrency conflict")
	// ErrHandlerNotFound means a command/query type has no registered handler.
	ErrHandlerNotFound = errors.New("no handler registered")
	// ErrDuplicateHandler means a second handler was registered for one type.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrUnknownEventType means the registry cannot decode an envelope.
	ErrUnknownEventType = errors.New("unknown event type")
)

// ValidationError reports a violated business rule. It is the caller's fault
// and is never retried by the engine.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s (%s): %s", e.Field, e.Rule, e.Message)
}

// PublishError wraps a broker failure. Operational, retried with backoff.
type PublishError struct {
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ProjectionError reports an envelope the projector refused to apply, either
// because it is malformed or because it would create a gap in the read model.
type ProjectionError struct {
	Reason       string
	EventID      string
	AggregateID  string
	EventVersion Version
	LastApplied  Version
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf(
		"projection rejected event %s (aggregate %s, version %d, last applied %d): %s",
		e.EventID, e.AggregateID, e.EventVersion, e.LastApplied, e.Reason,
	)
}
