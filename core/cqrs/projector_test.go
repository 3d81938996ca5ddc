package cqrs_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// stubSource feeds hand-built deliveries so tests can observe their acks.
type stubSource struct {
	ch chan cqrs.Delivery
}

func newStubSource() *stubSource { return &stubSource{ch: make(chan cqrs.Delivery, 16)} }

func (s *stubSource) Subscribe(context.Context) (cqrs.Subscription, error) {
	return &stubSubscription{ch: s.ch}, nil
}

func (s *stubSource) deliver(env cqrs.Envelope, acked *atomic.Bool) {
	s.ch <- cqrs.Delivery{Envelope: env, Ack: func() error { acked.Store(true); return nil }}
}

type stubSubscription struct{ ch chan cqrs.Delivery }

func (s *stubSubscription) Chan() <-chan cqrs.Delivery { return s.ch }
func (s *stubSubscription) Cancel()                    {}

func incEnvelope(id string, aggID string, version cqrs.Version, by int) cqrs.Envelope {
	data, _ := json.Marshal(&counterIncremented{By: by})
	return cqrs.Envelope{
		ID:            id,
		Name:          "counter-incremented",
		AggregateType: "counter",
		AggregateID:   aggID,
		Version:       version,
		OccurredAt:    time.Now(),
		Data:          data,
	}
}

func createdEnvelope(id string, aggID string) cqrs.Envelope {
	data, _ := json.Marshal(&counterCreated{ID: aggID})
	return cqrs.Envelope{
		ID:            id,
		Name:          "counter-created",
		AggregateType: "counter",
		AggregateID:   aggID,
		Version:       1,
		OccurredAt:    time.Now(),
		Data:          data,
	}
}

func startProjector(
	t *testing.T,
	broker *cqrs.MemoryBroker,
	proj *counterProjection,
	dlq *cqrs.MemoryDeadLetter,
	opts ...cqrs.ProjectorOption,
) *cqrs.Projector {
	t.Helper()
	p := cqrs.NewProjector(slog.Default(), broker, counterRegistry(), proj, dlq, opts...)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(p.Stop)
	return p
}

func TestProjector_appliesInOrder(t *testing.T) {
	var (
		broker = cqrs.NewMemoryBroker()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)
	startProjector(t, broker, proj, dlq)

	require.NoError(t, broker.Publish(t.Context(), createdEnvelope("e1", "c1")))
	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e2", "c1", 2, 5)))

	require.Eventually(t, func() bool {
		return proj.row("c1").LastApplied == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 5, proj.row("c1").Count)
	require.Empty(t, dlq.Entries())
}

func TestProjector_duplicateDeliveryIsNoop(t *testing.T) {
	var (
		broker = cqrs.NewMemoryBroker()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)
	startProjector(t, broker, proj, dlq)

	env := incEnvelope("e2", "c1", 1, 3)
	require.NoError(t, broker.Publish(t.Context(), env))
	require.NoError(t, broker.Publish(t.Context(), env)) // redelivery

	require.Eventually(t, func() bool {
		return proj.row("c1").LastApplied == 1
	}, 2*time.Second, 10*time.Millisecond)

	// give the duplicate time to pass through, then check single application
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, proj.row("c1").Count)
}

// A consumer restarted after processing only event 1 re-receives both events;
// the final read model reflects event 2 applied once after event 1.
func TestProjector_redeliveryAfterRestart(t *testing.T) {
	var (
		broker = cqrs.NewMemoryBroker()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)

	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e1", "u1", 1, 1)))

	first := startProjector(t, broker, proj, dlq)
	require.Eventually(t, func() bool {
		return proj.row("u1").LastApplied == 1
	}, 2*time.Second, 10*time.Millisecond)
	first.Stop()

	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e2", "u1", 2, 10)))

	// restart: the broker replays both events
	startProjector(t, broker, proj, dlq)
	require.Eventually(t, func() bool {
		return proj.row("u1").LastApplied == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 11, proj.row("u1").Count)
	require.Empty(t, dlq.Entries())
}

func TestProjector_gapStashedThenDrained(t *testing.T) {
	var (
		broker = cqrs.NewMemoryBroker()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)
	startProjector(t, broker, proj, dlq)

	// version 2 arrives before version 1
	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e2", "c1", 2, 20)))
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, proj.row("c1").LastApplied)

	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e1", "c1", 1, 1)))

	require.Eventually(t, func() bool {
		return proj.row("c1").LastApplied == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 21, proj.row("c1").Count)
	require.Empty(t, dlq.Entries())
}

// A stashed delivery whose version reaches the view through another copy is
// purged and acked instead of lingering unacked until restart.
func TestProjector_staleStashPurged(t *testing.T) {
	var (
		source = newStubSource()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)
	p := cqrs.NewProjector(slog.Default(), source, counterRegistry(), proj, dlq)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(p.Stop)

	// version 2 arrives early and is stashed unacked
	var stashedAck atomic.Bool
	source.deliver(incEnvelope("e2", "c1", 2, 20), &stashedAck)
	time.Sleep(50 * time.Millisecond)
	require.False(t, stashedAck.Load())

	// another instance sharing the view applies versions 1 and 2
	require.NoError(t, proj.Apply(t.Context(), createdEnvelope("e1", "c1"), &counterCreated{ID: "c1"}))
	require.NoError(t, proj.Apply(t.Context(), incEnvelope("e2", "c1", 2, 20), &counterIncremented{By: 20}))

	// version 3 applies; the stale stash entry is acked away, not reapplied
	var appliedAck atomic.Bool
	source.deliver(incEnvelope("e3", "c1", 3, 1), &appliedAck)

	require.Eventually(t, func() bool {
		return stashedAck.Load() && appliedAck.Load()
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 3, proj.row("c1").LastApplied)
	require.Equal(t, 21, proj.row("c1").Count)
	require.Empty(t, dlq.Entries())
}

func TestProjector_gapBeyondStashBoundDeadLetters(t *testing.T) {
	var (
		broker = cqrs.NewMemoryBroker()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)
	startProjector(t, broker, proj, dlq, cqrs.WithMaxStash(1))

	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e5", "c1", 5, 1)))
	require.NoError(t, broker.Publish(t.Context(), incEnvelope("e7", "c1", 7, 1)))

	require.Eventually(t, func() bool {
		return len(dlq.Entries()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "e7", dlq.Entries()[0].Envelope.ID)
	require.EqualValues(t, 0, proj.row("c1").LastApplied)
}

func TestProjector_undecodableDeadLetters(t *testing.T) {
	var (
		broker = cqrs.NewMemoryBroker()
		proj   = newCounterProjection()
		dlq    = cqrs.NewMemoryDeadLetter()
	)
	startProjector(t, broker, proj, dlq)

	env := incEnvelope("e1", "c1", 1, 1)
	env.Name = "counter-exploded"
	require.NoError(t, broker.Publish(t.Context(), env))

	require.Eventually(t, func() bool {
		return len(dlq.Entries()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, dlq.Entries()[0].Reason, "undecodable")
	require.EqualValues(t, 0, proj.row("c1").LastApplied)
}
