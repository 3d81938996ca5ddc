package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/cqrs-go/internal/typename"
)

type (
	QueryHandler interface {
		Handle(ctx context.Context, q any) (any, error)
	}
	QueryHandlerFunc func(ctx context.Context, q any) (any, error)
)

func (f QueryHandlerFunc) Handle(ctx context.Context, q any) (any, error) {
	return f(ctx, q)
}

// QueryBus mirrors the CommandBus for the read side. Handlers are read-only
// and answer from projections; they must never mutate state.
type QueryBus struct {
	log     *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	handlers map[string]QueryHandler
}

func NewQueryBus(log *slog.Logger, opts ...BusOption) *QueryBus {
	options := busOptions{metrics: NopMetrics()}
	for _, opt := range opts {
		opt.applyToBus(&options)
	}
	return &QueryBus{
		log:      log.With(slog.String("bus", "query")),
		metrics:  options.metrics,
		handlers: map[string]QueryHandler{},
	}
}

func (b *QueryBus) Register(q any, h QueryHandler) error {
	return b.register(typename.Of(q), h)
}

func (b *QueryBus) register(name string, h QueryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	b.handlers[name] = h
	b.log.Debug("handler registered", slog.String("query", name))
	return nil
}

func (b *QueryBus) Execute(ctx context.Context, q any) (any, error) {
	name := typename.Of(q)

	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}

	defer b.metrics.QueryDuration(name).ObserveDuration()
	res, err := h.Handle(ctx, q)
	b.metrics.QueryProcessed(name, err == nil)
	return res, err
}

// HandleQuery registers a typed handler function for Q.
func HandleQuery[Q any](b *QueryBus, h func(ctx context.Context, q Q) (any, error)) error {
	return b.register(typename.For[Q](), QueryHandlerFunc(func(ctx context.Context, q any) (any, error) {
		tq, ok := q.(Q)
		if !ok {
			return nil, fmt.Errorf("unexpected query type %T", q)
		}
		return h(ctx, tq)
	}))
}
