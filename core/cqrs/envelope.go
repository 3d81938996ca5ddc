package cqrs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of one domain event. It is created once when the
// aggregate is saved and never mutated afterwards.
type Envelope struct {
	// ID is the unique identifier of this event.
	ID string `json:"eventId"`
	// Name is the event discriminator, e.g. "user-created".
	Name string `json:"eventName"`
	// AggregateType identifies the kind of aggregate that raised the event.
	AggregateType string `json:"aggregateType"`
	// AggregateID identifies the owning aggregate instance.
	AggregateID string `json:"aggregateId"`
	// Version is the aggregate version after this event is applied.
	// Per aggregate, versions form a gapless sequence starting at 1.
	Version Version `json:"eventVersion"`
	// OccurredAt is when the event was recorded.
	OccurredAt time.Time `json:"occurredOn"`
	// Data is the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.Name == "" {
		return fmt.Errorf("envelope event name is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	return nil
}

// Decoder turns an envelope back into its typed event.
type Decoder interface {
	Decode(env Envelope) (any, error)
}

// BuildEnvelopes wraps an aggregate's uncommitted events into envelopes.
// Versions continue from the committed version so the per-aggregate sequence
// stays gapless. IDs come from gen, timestamps from now.
func BuildEnvelopes(agg Aggregate, gen IDGenerator, now func() time.Time) ([]Envelope, error) {
	events := agg.Uncommitted()
	if len(events) == 0 {
		return nil, nil
	}

	var (
		base = agg.CommittedVersion()
		out  = make([]Envelope, 0, len(events))
	)
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %T: %w", ev, err)
		}
		env := Envelope{
			ID:            gen.NewID(),
			Name:          EventNameOf(ev),
			AggregateType: agg.AggregateType(),
			AggregateID:   agg.ID(),
			Version:       base + Version(i) + 1,
			OccurredAt:    now(),
			Data:          data,
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}
