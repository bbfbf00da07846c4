// Package store persists build outcomes so `pulsar status` can report on
// the last run without rebuilding.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/papapumpkin/pulsar/internal/task"
)

// ErrNoBuild is returned when a task has no recorded build.
var ErrNoBuild = errors.New("no recorded build")

// schema contains the DDL executed on every open.
const schema = `
CREATE TABLE IF NOT EXISTS builds (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session     TEXT NOT NULL,
    task        TEXT NOT NULL,
    state       TEXT NOT NULL,
    cycle       INTEGER NOT NULL DEFAULT 0,
    initial     BOOLEAN NOT NULL DEFAULT FALSE,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS builds_task ON builds (task, id);

CREATE TABLE IF NOT EXISTS diagnostics (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
    path     TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL,
    message  TEXT NOT NULL
);
`

// Build is one finished cycle of one task.
type Build struct {
	ID          int64
	Session     string
	Task        string
	State       string
	Cycle       int
	Initial     bool
	Duration    time.Duration
	StartedAt   time.Time
	Diagnostics []task.Entry
}

// Store records builds in a local SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and creates the schema.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	// _time_format=sqlite stores timestamps in a layout the driver parses
	// back into time.Time.
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite has a single writer; one connection keeps the pragmas below
	// in effect for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBuild records b and its diagnostics in one transaction and returns
// the new build id.
func (s *Store) SaveBuild(ctx context.Context, b Build) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx for build: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	started := b.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO builds (session, task, state, cycle, initial, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Session, b.Task, b.State, b.Cycle, b.Initial, b.Duration.Milliseconds(), started.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: insert build for %q: %w", b.Task, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: build id: %w", err)
	}

	if len(b.Diagnostics) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO diagnostics (build_id, path, severity, message) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("store: prepare diagnostic insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range b.Diagnostics {
			if _, err := stmt.ExecContext(ctx, id, e.Path, string(e.Severity), e.Message); err != nil {
				return 0, fmt.Errorf("store: insert diagnostic for %q: %w", b.Task, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit build: %w", err)
	}
	return id, nil
}

// LastBuilds returns the most recent build of every task, ordered by task
// name. Diagnostics are not loaded.
func (s *Store) LastBuilds(ctx context.Context) ([]Build, error) {
	const q = `
		SELECT b.id, b.session, b.task, b.state, b.cycle, b.initial, b.duration_ms, b.started_at
		FROM builds b
		WHERE b.id = (SELECT MAX(id) FROM builds WHERE task = b.task)
		ORDER BY b.task`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: last builds: %w", err)
	}
	defer rows.Close()

	var out []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate builds: %w", err)
	}
	return out, nil
}

// Diagnostics returns the diagnostics of the most recent build of the named
// task, in the order they were recorded.
func (s *Store) Diagnostics(ctx context.Context, taskName string) ([]task.Entry, error) {
	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM builds WHERE task = ?`, taskName).Scan(&latest); err != nil {
		return nil, fmt.Errorf("store: latest build of %q: %w", taskName, err)
	}
	if !latest.Valid {
		return nil, fmt.Errorf("store: %w for task %q", ErrNoBuild, taskName)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, severity, message FROM diagnostics WHERE build_id = ? ORDER BY id`, latest.Int64)
	if err != nil {
		return nil, fmt.Errorf("store: diagnostics of %q: %w", taskName, err)
	}
	defer rows.Close()

	var out []task.Entry
	for rows.Next() {
		var e task.Entry
		var sev string
		if err := rows.Scan(&e.Path, &sev, &e.Message); err != nil {
			return nil, fmt.Errorf("store: scan diagnostic: %w", err)
		}
		e.Severity = task.Severity(sev)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate diagnostics: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep builds of every task.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	const q = `
		DELETE FROM builds WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY task ORDER BY id DESC) AS rn FROM builds
			) WHERE rn > ?
		)`
	res, err := s.db.ExecContext(ctx, q, keep)
	if err != nil {
		return 0, fmt.Errorf("store: prune builds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune builds: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (Build, error) {
	var b Build
	var ms int64
	if err := row.Scan(&b.ID, &b.Session, &b.Task, &b.State, &b.Cycle, &b.Initial, &ms, &b.StartedAt); err != nil {
		return Build{}, fmt.Errorf("store: scan build: %w", err)
	}
	b.Duration = time.Duration(ms) * time.Millisecond
	return b, nil
}
