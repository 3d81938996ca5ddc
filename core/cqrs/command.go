package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/internal/typename"
)

// Meta carries the envelope fields shared by commands and queries. Concrete
// messages embed it; transports fill it before dispatch.
type Meta struct {
	ID       string    `json:"id"`
	IssuedAt time.Time `json:"issued_at"`
}

func NewMeta(gen IDGenerator, issuedAt time.Time) Meta {
	return Meta{ID: gen.NewID(), IssuedAt: issuedAt}
}

type (
	CommandHandler interface {
		Handle(ctx context.Context, cmd any) (any, error)
	}
	CommandHandlerFunc func(ctx context.Context, cmd any) (any, error)

	busOptions struct{ metrics Metrics }
	BusOption  interface{ applyToBus(*busOptions) }
)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd any) (any, error) {
	return f(ctx, cmd)
}

// CommandBus routes each command to exactly one handler by message type.
// It performs no retries, no validation and no locking; those belong to
// handlers and repositories.
type CommandBus struct {
	log     *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

func NewCommandBus(log *slog.Logger, opts ...BusOption) *CommandBus {
	options := busOptions{metrics: NopMetrics()}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	return &CommandBus{
		log:      log.With(slog.String("bus", "command")),
		metrics:  options.metrics,
		handlers: map[string]CommandHandler{},
	}
}

// Register binds a handler to the type of cmd. A second registration for the
// same type is a configuration error, raised here rather than at dispatch.
func (b *CommandBus) Register(cmd any, h CommandHandler) error {
	return b.register(typename.Of(cmd), h)
}

func (b *CommandBus) register(name string, h CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	b.handlers[name] = h
	b.log.Debug("handler registered", slog.String("command", name))
	return nil
}

// Execute dispatches cmd and propagates the handler's result or error
// unchanged.
func (b *CommandBus) Execute(ctx context.Context, cmd any) (any, error) {
	name := typename.Of(cmd)

	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}

	defer b.metrics.CommandDuration(name).ObserveDuration()
	res, err := h.Handle(ctx, cmd)
	b.metrics.CommandProcessed(name, err == nil)
	if err != nil {
		b.log.Debug("command failed", slog.String("command", name), slog.Any("error", err))
	}
	return res, err
}

// HandleCommand registers a typed handler function for C.
func HandleCommand[C any](b *CommandBus, h func(ctx context.Context, cmd C) (any, error)) error {
	return b.register(typename.For[C](), CommandHandlerFunc(func(ctx context.Context, cmd any) (any, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("unexpected command type %T", cmd)
		}
		return h(ctx, c)
	}))
}
