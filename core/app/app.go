// Package app assembles one bounded context's engine: command and query
// buses, the outbox relay and the projector, under a single lifecycle.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

type Config struct {
	Log     *slog.Logger
	Metrics cqrs.Metrics

	// Outbox is drained by the relay into Publisher.
	Outbox    cqrs.OutboxStore
	Publisher cqrs.Publisher

	// Source feeds the projector; DeadLetter receives what it cannot apply.
	Source     cqrs.EventSource
	DeadLetter cqrs.DeadLetterer
	Decoder    cqrs.Decoder
	Projection cqrs.Projection

	ProjectorName string
	RelayInterval time.Duration
	Middleware    []cqrs.Middleware
}

type App struct {
	log       *slog.Logger
	commands  *cqrs.CommandBus
	queries   *cqrs.QueryBus
	relay     *cqrs.Relay
	projector *cqrs.Projector

	cancelRelay context.CancelFunc
	relayDone   chan struct{}
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Outbox == nil:
		return nil, errors.New("app: outbox is required")
	case cfg.Publisher == nil:
		return nil, errors.New("app: publisher is required")
	case cfg.Source == nil:
		return nil, errors.New("app: event source is required")
	case cfg.DeadLetter == nil:
		return nil, errors.New("app: dead letterer is required")
	case cfg.Decoder == nil:
		return nil, errors.New("app: decoder is required")
	case cfg.Projection == nil:
		return nil, errors.New("app: projection is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = cqrs.NopMetrics()
	}

	relayOpts := []cqrs.RelayOption{cqrs.WithMetrics(metrics)}
	if cfg.RelayInterval > 0 {
		relayOpts = append(relayOpts, cqrs.WithRelayInterval(cfg.RelayInterval))
	}

	projectorOpts := []cqrs.ProjectorOption{
		cqrs.WithMetrics(metrics),
		cqrs.WithProjectorMiddleware(cfg.Middleware...),
	}
	if cfg.ProjectorName != "" {
		projectorOpts = append(projectorOpts, cqrs.WithProjectorName(cfg.ProjectorName))
	}

	return &App{
		log:      log,
		commands: cqrs.NewCommandBus(log, cqrs.WithMetrics(metrics)),
		queries:  cqrs.NewQueryBus(log, cqrs.WithMetrics(metrics)),
		relay:    cqrs.NewRelay(log, cfg.Outbox, cfg.Publisher, relayOpts...),
		projector: cqrs.NewProjector(
			log,
			cfg.Source,
			cfg.Decoder,
			cfg.Projection,
			cfg.DeadLetter,
			projectorOpts...,
		),
	}, nil
}

func (a *App) Commands() *cqrs.CommandBus { return a.commands }
func (a *App) Queries() *cqrs.QueryBus    { return a.queries }

// Start launches the projector and the outbox relay. Both run until Shutdown
// or until ctx is canceled.
func (a *App) Start(ctx context.Context) error {
	if err := a.projector.Start(ctx); err != nil {
		return err
	}

	relayCtx, cancel := context.WithCancel(ctx)
	a.cancelRelay = cancel
	a.relayDone = make(chan struct{})
	go func() {
		defer close(a.relayDone)
		_ = a.relay.Run(relayCtx)
	}()

	a.log.Info("app started")
	return nil
}

// Shutdown stops the relay, drains what it already fetched and stops the
// projector after its in-flight delivery.
func (a *App) Shutdown() {
	if a.cancelRelay != nil {
		a.cancelRelay()
		<-a.relayDone
	}
	a.projector.Stop()
	a.log.Info("app stopped")
}
