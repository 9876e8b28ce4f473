package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirwatch/dirwatch/internal/event"
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS dirwatch_state (
    seq        INTEGER     NOT NULL,
    path       TEXT        PRIMARY KEY,
    action     TEXT        NOT NULL,
    event      JSONB       NOT NULL,
    saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresSink mirrors the snapshot into a PostgreSQL table. Each pass
// replaces the table contents in one transaction, sending all rows in a
// single pgx.Batch round-trip.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to connStr, pings the database and creates the
// table if needed.
func NewPostgresSink(ctx context.Context, connStr string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

// Save implements Sink.
func (s *PostgresSink) Save(ctx context.Context, changes []event.Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO dirwatch_state (seq, path, action, event)
		VALUES ($1, $2, $3, $4)`

	b := &pgx.Batch{}
	b.Queue(`DELETE FROM dirwatch_state`)
	for i, c := range changes {
		ev, err := json.Marshal(c.Event)
		if err != nil {
			return fmt.Errorf("postgres: marshal %q: %w", c.Path, err)
		}
		b.Queue(query, i, c.Path, c.Event.Action.String(), ev)
	}

	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: batch exec: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: batch close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Load implements Loader.
func (s *PostgresSink) Load(ctx context.Context) ([]event.Change, error) {
	rows, err := s.pool.Query(ctx, `SELECT path, event FROM dirwatch_state ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load query: %w", err)
	}
	defer rows.Close()

	var out []event.Change
	for rows.Next() {
		var (
			c  event.Change
			ev []byte
		)
		if err := rows.Scan(&c.Path, &ev); err != nil {
			return nil, fmt.Errorf("postgres: load scan: %w", err)
		}
		if err := json.Unmarshal(ev, &c.Event); err != nil {
			return nil, fmt.Errorf("postgres: decode %q: %w", c.Path, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load rows: %w", err)
	}
	return out, nil
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
