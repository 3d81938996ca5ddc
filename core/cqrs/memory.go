package cqrs

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MemoryBroker is an in-process Publisher + EventSource for tests and demos.
// It retains every published envelope; each subscription replays the full
// retained log before receiving live events, which models broker redelivery
// after a consumer restart.
type MemoryBroker struct {
	mu   sync.Mutex
	log  []Envelope
	subs map[string]*memorySubscription
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]*memorySubscription{}}
}

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, env)
	for _, sub := range b.subs {
		sub.deliver(env)
	}
	return nil
}

func (b *MemoryBroker) PublishBatch(ctx context.Context, envs []Envelope) error {
	for _, env := range envs {
		if err := b.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subID := gonanoid.Must()
	sub := &memorySubscription{
		ch: make(chan Delivery, 256),
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, subID)
		},
	}
	b.subs[subID] = sub

	// replay retained log (at-least-once semantics)
	for _, env := range b.log {
		sub.deliver(env)
	}

	context.AfterFunc(ctx, sub.Cancel)
	return sub, nil
}

// Events returns a copy of every envelope published so far.
func (b *MemoryBroker) Events() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.log))
	copy(out, b.log)
	return out
}

var (
	_ Publisher   = (*MemoryBroker)(nil)
	_ EventSource = (*MemoryBroker)(nil)
)

type memorySubscription struct {
	ch     chan Delivery
	cancel func()

	mu    sync.Mutex
	acked []string
}

func (s *memorySubscription) deliver(env Envelope) {
	d := Delivery{
		Envelope: env,
		Ack: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.acked = append(s.acked, env.ID)
			return nil
		},
	}
	select {
	case s.ch <- d:
	default:
		// subscriber buffer full, drop; the test broker keeps the log so a
		// fresh subscription replays everything
	}
}

func (s *memorySubscription) Chan() <-chan Delivery { return s.ch }
func (s *memorySubscription) Cancel()               { s.cancel() }

// Acked returns the event ids acknowledged on this subscription.
func (s *memorySubscription) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.acked))
	copy(out, s.acked)
	return out
}

// === Outbox ===

// MemoryOutboxStore is a slice-backed OutboxStore for tests.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	nextSeq int64
	entries []OutboxEntry
	done    map[int64]bool
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{done: map[int64]bool{}}
}

func (s *MemoryOutboxStore) Append(_ context.Context, envs ...Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range envs {
		s.nextSeq++
		s.entries = append(s.entries, OutboxEntry{
			Seq:       s.nextSeq,
			Envelope:  env,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

func (s *MemoryOutboxStore) FetchPending(_ context.Context, limit int) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxEntry, 0)
	for _, e := range s.entries {
		if s.done[e.Seq] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryOutboxStore) MarkPublished(_ context.Context, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqs {
		s.done[seq] = true
	}
	return nil
}

// PendingCount returns how many entries are not yet published.
func (s *MemoryOutboxStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) - len(s.done)
}

var _ OutboxStore = (*MemoryOutboxStore)(nil)

// === Dead letter ===

type DeadLetterEntry struct {
	Envelope Envelope
	Reason   string
}

// MemoryDeadLetter collects dead-lettered envelopes for inspection in tests.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
}

func NewMemoryDeadLetter() *MemoryDeadLetter { return &MemoryDeadLetter{} }

func (m *MemoryDeadLetter) DeadLetter(_ context.Context, env Envelope, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, DeadLetterEntry{Envelope: env, Reason: reason})
	return nil
}

func (m *MemoryDeadLetter) Entries() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetterEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

var _ DeadLetterer = (*MemoryDeadLetter)(nil)
