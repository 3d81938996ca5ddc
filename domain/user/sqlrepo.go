package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/cqrs-go/adapters/sqlstore"
	"github.com/codewandler/cqrs-go/core/cqrs"
)

// SQLRepository persists the current user state in a relational table. The
// conditional write compares the stored version with the aggregate's
// committed version; the new event envelopes land in the outbox inside the
// same transaction, so state and events cannot diverge.
type SQLRepository struct {
	log     *slog.Logger
	db      *sql.DB
	outbox  *sqlstore.Outbox
	gen     cqrs.IDGenerator
	metrics cqrs.Metrics
	now     func() time.Time
}

func NewSQLRepository(log *slog.Logger, db *sql.DB, outbox *sqlstore.Outbox, gen cqrs.IDGenerator) *SQLRepository {
	return &SQLRepository{
		log:     log.With(slog.String("repo", "user_sql")),
		db:      db,
		outbox:  outbox,
		gen:     gen,
		metrics: cqrs.NopMetrics(),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (r *SQLRepository) WithClock(now func() time.Time) *SQLRepository {
	r.now = now
	return r
}

// WithMetrics instruments the repository, counting lost conditional writes.
func (r *SQLRepository) WithMetrics(m cqrs.Metrics) *SQLRepository {
	r.metrics = m
	return r
}

func (r *SQLRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			email      TEXT NOT NULL,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*User, error) {
	var (
		u         = NewEmpty()
		version   int64
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT version, email, name, status, created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&version, &u.attrs.Email, &u.attrs.Name, &u.attrs.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", cqrs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}

	if err := u.Rehydrate(id, cqrs.Version(version), createdAt, updatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *SQLRepository) Save(ctx context.Context, u *User) error {
	if len(u.Uncommitted()) == 0 {
		return nil
	}

	envs, err := cqrs.BuildEnvelopes(u, r.gen, r.now)
	if err != nil {
		return err
	}

	var (
		id     = u.ID()
		expect = u.CommittedVersion()
		now    = r.now().UTC()
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if expect == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, version, email, name, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			id, int64(u.Version()), u.attrs.Email, u.attrs.Name, string(u.attrs.Status), now, now,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE users
			SET version = $1, email = $2, name = $3, status = $4, updated_at = $5
			WHERE id = $6 AND version = $7`,
			int64(u.Version()), u.attrs.Email, u.attrs.Name, string(u.attrs.Status), now, id, int64(expect),
		)
	}
	if err != nil {
		return fmt.Errorf("write user %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		r.metrics.ConcurrencyConflict(AggregateType)
		return fmt.Errorf("%w: user %s expected version %d", cqrs.ErrConflict, id, expect)
	}

	if err := r.outbox.AppendTx(ctx, tx, envs...); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user %s: %w", id, err)
	}

	u.MarkCommitted()

	r.log.Debug(
		"saved",
		slog.Group(
			"agg",
			slog.String("type", AggregateType),
			slog.String("id", id),
			u.Version().SlogAttr(),
		),
		slog.Int("num_events", len(envs)),
	)
	return nil
}

var _ Repository = (*SQLRepository)(nil)
