package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/dirwatch/dirwatch/internal/event"
)

// SQLiteSink mirrors the snapshot into a WAL-mode SQLite database. Each pass
// replaces the table contents in a single transaction.
type SQLiteSink struct {
	db *sql.DB
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS state_entries (
    seq    INTEGER NOT NULL,
    path   TEXT    PRIMARY KEY,
    action TEXT    NOT NULL,
    event  TEXT    NOT NULL
);
`

// NewSQLiteSink opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Save implements Sink.
func (s *SQLiteSink) Save(ctx context.Context, changes []event.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries`); err != nil {
		return fmt.Errorf("sqlite: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO state_entries (seq, path, action, event) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for i, c := range changes {
		ev, err := json.Marshal(c.Event)
		if err != nil {
			return fmt.Errorf("sqlite: marshal %q: %w", c.Path, err)
		}
		if _, err := stmt.ExecContext(ctx, i, c.Path, c.Event.Action.String(), string(ev)); err != nil {
			return fmt.Errorf("sqlite: insert %q: %w", c.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Load implements Loader.
func (s *SQLiteSink) Load(ctx context.Context) ([]event.Change, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, event FROM state_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load query: %w", err)
	}
	defer rows.Close()

	var out []event.Change
	for rows.Next() {
		var (
			c     event.Change
			evStr string
		)
		if err := rows.Scan(&c.Path, &evStr); err != nil {
			return nil, fmt.Errorf("sqlite: load scan: %w", err)
		}
		if err := json.Unmarshal([]byte(evStr), &c.Event); err != nil {
			return nil, fmt.Errorf("sqlite: decode %q: %w", c.Path, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
