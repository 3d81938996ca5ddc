package integration

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/codewandler/cqrs-go/adapters/badgerstore"
	"github.com/codewandler/cqrs-go/adapters/nats"
	"github.com/codewandler/cqrs-go/adapters/sqlstore"
	"github.com/codewandler/cqrs-go/core/app"
	"github.com/codewandler/cqrs-go/core/cqrs"
	"github.com/codewandler/cqrs-go/domain/user"
)

// TestIntegration runs the full production stack: commands against the SQL
// repository, envelopes through the outbox relay into NATS JetStream, and a
// durable projector writing the Badger-backed read model.
func TestIntegration(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)
	log := slog.Default()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	outbox := sqlstore.NewOutbox(db, sqlstore.DialectSQLite)
	require.NoError(t, outbox.Migrate(t.Context()))

	gen := cqrs.UUIDs()
	repo := user.NewSQLRepository(log, db, outbox, gen)
	require.NoError(t, repo.Migrate(t.Context()))

	broker, err := nats.NewBroker(nats.BrokerConfig{
		Connect: nats.NewTestContainer(t),
		Log:     log,
		Context: "users-it",
		Durable: "user-view",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	view, err := badgerstore.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = view.Close() })
	store := user.NewBadgerReadStore(view)

	engine, err := app.New(app.Config{
		Log:           log,
		Outbox:        outbox,
		Publisher:     cqrs.NewRetryingPublisher(log, broker),
		Source:        broker,
		DeadLetter:    broker,
		Decoder:       user.Events(),
		Projection:    user.NewProjection(store),
		ProjectorName: "user-view",
		RelayInterval: 50 * time.Millisecond,
		Middleware:    []cqrs.Middleware{cqrs.NewLogMiddleware(log)},
	})
	require.NoError(t, err)
	require.NoError(t, user.NewHandlers(repo, gen).Register(engine.Commands()))
	require.NoError(t, user.NewQueryHandlers(store).Register(engine.Queries()))

	require.NoError(t, engine.Start(t.Context()))
	t.Cleanup(engine.Shutdown)

	// write side
	res, err := engine.Commands().Execute(t.Context(), user.RegisterUser{
		Meta:  cqrs.NewMeta(gen, time.Now()),
		Email: "alice@example.com",
		Name:  "Alice",
	})
	require.NoError(t, err)
	id := res.(string)

	_, err = engine.Commands().Execute(t.Context(), user.ChangeUserEmail{
		Meta:   cqrs.NewMeta(gen, time.Now()),
		UserID: id,
		Email:  "alice@corp.example.com",
	})
	require.NoError(t, err)

	// the view converges on both events in order
	require.Eventually(t, func() bool {
		res, err := engine.Queries().Execute(t.Context(), user.GetUser{UserID: id})
		if err != nil {
			return false
		}
		return res.(user.ReadModel).LastApplied == 2
	}, 15*time.Second, 100*time.Millisecond)

	res, err = engine.Queries().Execute(t.Context(), user.GetUserByEmail{Email: "alice@corp.example.com"})
	require.NoError(t, err)
	m := res.(user.ReadModel)
	require.Equal(t, id, m.ID)
	require.Equal(t, "Alice", m.Name)
	require.Equal(t, user.StatusActive, m.Status)

	// outbox fully drained
	require.Eventually(t, func() bool {
		pending, err := outbox.FetchPending(t.Context(), 10)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 100*time.Millisecond)
}
