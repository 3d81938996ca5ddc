package user_test

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/codewandler/cqrs-go/adapters/sqlstore"
	"github.com/codewandler/cqrs-go/core/cqrs"
	"github.com/codewandler/cqrs-go/domain/user"
)

// conflictRecorder counts ConcurrencyConflict calls, everything else is a nop.
type conflictRecorder struct {
	cqrs.Metrics
	conflicts atomic.Int32
}

func (r *conflictRecorder) ConcurrencyConflict(string) { r.conflicts.Add(1) }

func newSQLRepo(t *testing.T) (*user.SQLRepository, *sqlstore.Outbox) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	// sqlite allows one writer; a single pooled connection serializes the
	// racers at the database instead of surfacing busy errors
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	outbox := sqlstore.NewOutbox(db, sqlstore.DialectSQLite)
	require.NoError(t, outbox.Migrate(t.Context()))

	repo := user.NewSQLRepository(slog.Default(), db, outbox, cqrs.SequentialIDs("evt"))
	require.NoError(t, repo.Migrate(t.Context()))
	return repo, outbox
}

func TestSQLRepository_roundtrip(t *testing.T) {
	repo, outbox := newSQLRepo(t)

	u, err := user.New(cqrs.SequentialIDs("u"), "a@x.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), u))
	require.Empty(t, u.Uncommitted())

	loaded, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)
	require.Equal(t, "a@x.com", loaded.Email())
	require.Equal(t, "Alice", loaded.Name())
	require.EqualValues(t, 1, loaded.Version())
	require.EqualValues(t, 1, loaded.CommittedVersion())

	pending, err := outbox.FetchPending(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "user-created", pending[0].Envelope.Name)
	require.Equal(t, u.ID(), pending[0].Envelope.AggregateID)
}

func TestSQLRepository_notFound(t *testing.T) {
	repo, _ := newSQLRepo(t)

	_, err := repo.Get(t.Context(), "ghost")
	require.ErrorIs(t, err, cqrs.ErrNotFound)
}

func TestSQLRepository_staleSaveConflicts(t *testing.T) {
	repo, _ := newSQLRepo(t)

	u, err := user.New(cqrs.SequentialIDs("u"), "a@x.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), u))

	// two rehydrations of the same row
	first, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)
	second, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)

	require.NoError(t, first.ChangeEmail("b@x.com"))
	require.NoError(t, repo.Save(t.Context(), first))

	require.NoError(t, second.Rename("Alicia"))
	require.ErrorIs(t, repo.Save(t.Context(), second), cqrs.ErrConflict)

	// the row still carries the winner's change only
	loaded, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)
	require.Equal(t, "b@x.com", loaded.Email())
	require.Equal(t, "Alice", loaded.Name())
	require.EqualValues(t, 2, loaded.Version())
}

func TestSQLRepository_conflictIsCounted(t *testing.T) {
	repo, _ := newSQLRepo(t)
	rec := &conflictRecorder{Metrics: cqrs.NopMetrics()}
	repo.WithMetrics(rec)

	u, err := user.New(cqrs.SequentialIDs("u"), "a@x.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), u))

	first, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)
	second, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)

	require.NoError(t, first.ChangeEmail("b@x.com"))
	require.NoError(t, repo.Save(t.Context(), first))
	require.EqualValues(t, 0, rec.conflicts.Load())

	require.NoError(t, second.Rename("Alicia"))
	require.ErrorIs(t, repo.Save(t.Context(), second), cqrs.ErrConflict)
	require.EqualValues(t, 1, rec.conflicts.Load())
}

func TestSQLRepository_duplicateInsertConflicts(t *testing.T) {
	repo, _ := newSQLRepo(t)

	gen := cqrs.IDGeneratorFunc(func() string { return "same-id" })

	first, err := user.New(gen, "a@x.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), first))

	second, err := user.New(gen, "b@x.com", "Bob")
	require.NoError(t, err)
	require.ErrorIs(t, repo.Save(t.Context(), second), cqrs.ErrConflict)
}

func TestSQLRepository_cleanSaveIsNoop(t *testing.T) {
	repo, outbox := newSQLRepo(t)

	u, err := user.New(cqrs.SequentialIDs("u"), "a@x.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), u))
	require.NoError(t, repo.Save(t.Context(), u))

	pending, err := outbox.FetchPending(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSQLRepository_concurrentSavesOneWinner(t *testing.T) {
	repo, _ := newSQLRepo(t)

	u, err := user.New(cqrs.SequentialIDs("u"), "a@x.com", "Alice")
	require.NoError(t, err)
	require.NoError(t, repo.Save(t.Context(), u))

	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded, err := repo.Get(t.Context(), u.ID())
			if err != nil {
				errs[i] = err
				return
			}
			if err := loaded.Rename("Racer"); err != nil {
				errs[i] = err
				return
			}
			errs[i] = repo.Save(t.Context(), loaded)
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, cqrs.ErrConflict)
		}
	}
	require.Equal(t, 1, winners)

	loaded, err := repo.Get(t.Context(), u.ID())
	require.NoError(t, err)
	require.EqualValues(t, 2, loaded.Version())
}
