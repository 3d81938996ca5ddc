package cqrs_test

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// conflictRecorder counts ConcurrencyConflict calls, everything else is a nop.
type conflictRecorder struct {
	cqrs.Metrics
	conflicts atomic.Int32
}

func newConflictRecorder() *conflictRecorder {
	return &conflictRecorder{Metrics: cqrs.NopMetrics()}
}

func (r *conflictRecorder) ConcurrencyConflict(string) { r.conflicts.Add(1) }

func newCounterRepo(sink cqrs.EventSink) *cqrs.MemoryRepository[*counter] {
	return cqrs.NewMemoryRepository(
		slog.Default(),
		func() *counter { return &counter{} },
		sink,
		cqrs.SequentialIDs("ev"),
	)
}

func TestMemoryRepository_roundtrip(t *testing.T) {
	var (
		outbox = cqrs.NewMemoryOutboxStore()
		repo   = newCounterRepo(outbox)
	)

	c, err := newCounter("c1")
	require.NoError(t, err)
	require.NoError(t, c.Inc(5))
	require.NoError(t, repo.Save(t.Context(), c))
	require.Empty(t, c.Uncommitted())
	require.EqualValues(t, 2, c.CommittedVersion())

	loaded, err := repo.Get(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, 5, loaded.Count)
	require.EqualValues(t, 2, loaded.Version())

	// outbox received the envelopes in version order
	pending, err := outbox.FetchPending(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.EqualValues(t, 1, pending[0].Envelope.Version)
	require.EqualValues(t, 2, pending[1].Envelope.Version)
}

func TestMemoryRepository_notFound(t *testing.T) {
	repo := newCounterRepo(cqrs.NewMemoryOutboxStore())
	_, err := repo.Get(t.Context(), "missing")
	require.ErrorIs(t, err, cqrs.ErrNotFound)
}

func TestMemoryRepository_staleSaveConflicts(t *testing.T) {
	repo := newCounterRepo(cqrs.NewMemoryOutboxStore())

	c, err := newCounter("c1")
	require.NoError(t, err)
	require.NoError(t, c.Inc(1))
	require.NoError(t, c.Inc(1))
	require.NoError(t, repo.Save(t.Context(), c)) // stored at version 3

	fresh, err := repo.Get(t.Context(), "c1")
	require.NoError(t, err)
	stale, err := repo.Get(t.Context(), "c1")
	require.NoError(t, err)

	require.NoError(t, fresh.Inc(1))
	require.NoError(t, repo.Save(t.Context(), fresh))
	require.EqualValues(t, 4, fresh.Version())

	require.NoError(t, stale.Inc(1))
	require.ErrorIs(t, repo.Save(t.Context(), stale), cqrs.ErrConflict)
}

func TestMemoryRepository_concurrentSaves_oneWinner(t *testing.T) {
	repo := newCounterRepo(cqrs.NewMemoryOutboxStore())

	c, err := newCounter("c1")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), c))

	const racers = 8

	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			agg, err := repo.Get(t.Context(), "c1")
			if err != nil {
				results[i] = err
				return
			}
			if err := agg.Inc(1); err != nil {
				results[i] = err
				return
			}
			results[i] = repo.Save(t.Context(), agg)
		}(i)
	}
	wg.Wait()

	// all racers loaded version 1, so exactly one conditional write wins
	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, cqrs.ErrConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, conflicts)

	final, err := repo.Get(t.Context(), "c1")
	require.NoError(t, err)
	require.EqualValues(t, 2, final.Version())
	require.Equal(t, 1, final.Count)
}

func TestMemoryRepository_conflictIsCounted(t *testing.T) {
	rec := newConflictRecorder()
	repo := newCounterRepo(cqrs.NewMemoryOutboxStore()).WithMetrics(rec)

	c, err := newCounter("c1")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), c))

	fresh, err := repo.Get(t.Context(), "c1")
	require.NoError(t, err)
	stale, err := repo.Get(t.Context(), "c1")
	require.NoError(t, err)

	require.NoError(t, fresh.Inc(1))
	require.NoError(t, repo.Save(t.Context(), fresh))
	require.EqualValues(t, 0, rec.conflicts.Load())

	require.NoError(t, stale.Inc(1))
	require.ErrorIs(t, repo.Save(t.Context(), stale), cqrs.ErrConflict)
	require.EqualValues(t, 1, rec.conflicts.Load())
}

func TestMemoryRepository_saveCleanIsNoop(t *testing.T) {
	outbox := cqrs.NewMemoryOutboxStore()
	repo := newCounterRepo(outbox)

	c, err := newCounter("c1")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), c))
	require.NoError(t, repo.Save(t.Context(), c))

	pending, err := outbox.FetchPending(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
