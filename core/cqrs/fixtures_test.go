package cqrs_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// counter is the test aggregate used across the engine tests.
type counter struct {
	cqrs.Base

	Count int `json:"count"`
}

type (
	counterCreated struct {
		ID string `json:"id"`
	}
	counterIncremented struct {
		By int `json:"by"`
	}
)

func (counterCreated) EventName() string     { return "counter-created" }
func (counterIncremented) EventName() string { return "counter-incremented" }

func (c *counter) AggregateType() string { return "counter" }

func (c *counter) Apply(event any) error {
	switch e := event.(type) {
	case *counterCreated:
		c.SetID(e.ID)
		return nil
	case *counterIncremented:
		c.Count += e.By
		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

func (c *counter) Snapshot() ([]byte, error)         { return json.Marshal(c) }
func (c *counter) RestoreSnapshot(data []byte) error { return json.Unmarshal(data, c) }

func (c *counter) Inc(by int) error {
	if by <= 0 {
		return fmt.Errorf("increment must be positive")
	}
	return cqrs.RaiseAndApply(c, &counterIncremented{By: by})
}

func newCounter(id string) (*counter, error) {
	c := &counter{}
	if err := cqrs.RaiseAndApply(c, &counterCreated{ID: id}); err != nil {
		return nil, err
	}
	return c, nil
}

func counterRegistry() *cqrs.EventRegistry {
	reg := cqrs.NewEventRegistry()
	cqrs.RegisterEvents(reg, cqrs.Event[counterCreated](), cqrs.Event[counterIncremented]())
	return reg
}

// counterProjection is a map-backed read model with the last-applied gate
// state the projector relies on.
type counterProjection struct {
	mu   sync.Mutex
	rows map[string]counterRow
}

type counterRow struct {
	Count       int
	LastApplied cqrs.Version
}

func newCounterProjection() *counterProjection {
	return &counterProjection{rows: map[string]counterRow{}}
}

func (p *counterProjection) Name() string { return "counter-view" }

func (p *counterProjection) LastAppliedVersion(_ context.Context, aggID string) (cqrs.Version, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[aggID].LastApplied, nil
}

func (p *counterProjection) Apply(_ context.Context, env cqrs.Envelope, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.rows[env.AggregateID]
	switch e := event.(type) {
	case *counterCreated:
	case *counterIncremented:
		row.Count += e.By
	default:
		return fmt.Errorf("unknown event: %T", event)
	}
	row.LastApplied = env.Version
	p.rows[env.AggregateID] = row
	return nil
}

func (p *counterProjection) row(aggID string) counterRow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[aggID]
}
