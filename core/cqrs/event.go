package cqrs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/cqrs-go/internal/typename"
)

// Namer lets an event choose its wire discriminator. Events that do not
// implement it fall back to their qualified Go type name.
type Namer interface {
	EventName() string
}

// EventNameOf returns the wire name for an event value.
func EventNameOf(ev any) string {
	if n, ok := ev.(Namer); ok {
		return n.EventName()
	}
	return typename.Of(ev)
}

type Registrar interface {
	Register(name string, ctor func() any)
}

// EventRegistry maps event names to constructors so persisted and delivered
// envelopes can be decoded back into typed events.
type EventRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{ctors: map[string]func() any{}}
}

func (r *EventRegistry) Register(name string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[env.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Name)
	}
	ev := ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

var _ Decoder = (*EventRegistry)(nil)

// Event returns a constructor producing a fresh *T per call.
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is invoked
// once to derive the event name; future decodes call it again for fresh
// instances.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		r.Register(EventNameOf(sample), ctor)
	}
}
