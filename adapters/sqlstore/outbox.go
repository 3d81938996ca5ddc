// Package sqlstore persists the transactional outbox in a relational
// database, so event envelopes commit atomically with the state row that
// produced them.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

// Dialect selects the DDL flavor. Query placeholders use the $N form, which
// both SQLite and Postgres accept.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Execer is satisfied by *sql.DB and *sql.Tx. Repositories pass their
// transaction so the outbox append commits with the aggregate write.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Outbox struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewOutbox(db *sql.DB, dialect Dialect) *Outbox {
	return &Outbox{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

func (o *Outbox) Migrate(ctx context.Context) error {
	seqCol := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if o.dialect == DialectPostgres {
		seqCol = "seq BIGSERIAL PRIMARY KEY"
	}
	_, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS outbox (
			%s,
			event_id       TEXT NOT NULL UNIQUE,
			event_name     TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id   TEXT NOT NULL,
			event_version  BIGINT NOT NULL,
			occurred_at    TIMESTAMP NOT NULL,
			data           TEXT NOT NULL,
			created_at     TIMESTAMP NOT NULL,
			published_at   TIMESTAMP
		)`, seqCol))
	if err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

// Append inserts envelopes against the pool's implicit transaction.
func (o *Outbox) Append(ctx context.Context, envs ...cqrs.Envelope) error {
	return o.AppendTx(ctx, o.db, envs...)
}

// AppendTx inserts envelopes through the given executor, typically the
// repository's open transaction.
func (o *Outbox) AppendTx(ctx context.Context, ex Execer, envs ...cqrs.Envelope) error {
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return err
		}
		_, err := ex.ExecContext(ctx, `
			INSERT INTO outbox (event_id, event_name, aggregate_type, aggregate_id, event_version, occurred_at, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			env.ID,
			env.Name,
			env.AggregateType,
			env.AggregateID,
			int64(env.Version),
			env.OccurredAt.UTC(),
			string(env.Data),
			o.now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("append outbox entry %s: %w", env.ID, err)
		}
	}
	return nil
}

func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]cqrs.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT seq, event_id, event_name, aggregate_type, aggregate_id, event_version, occurred_at, data, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []cqrs.OutboxEntry
	for rows.Next() {
		var (
			e       cqrs.OutboxEntry
			version int64
			data    string
		)
		if err := rows.Scan(
			&e.Seq,
			&e.Envelope.ID,
			&e.Envelope.Name,
			&e.Envelope.AggregateType,
			&e.Envelope.AggregateID,
			&version,
			&e.Envelope.OccurredAt,
			&data,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Envelope.Version = cqrs.Version(version)
		e.Envelope.Data = []byte(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) MarkPublished(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	placeholders := make([]string, len(seqs))
	args := make([]any, 0, len(seqs)+1)
	args = append(args, o.now().UTC())
	for i, seq := range seqs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, seq)
	}

	_, err := o.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE outbox SET published_at = $1 WHERE seq IN (%s)`,
		strings.Join(placeholders, ", "),
	), args...)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

var _ cqrs.OutboxStore = (*Outbox)(nil)
