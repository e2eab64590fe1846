// Package store provides SQLite-backed durable persistence for the
// plan-execution engine: plans, the task DAG, requirements, evidence,
// artifacts, reviews, skill runs, the event journal and LM call telemetry.
//
// Migrations are forward-only SQL files under migrations/, tracked in a
// schema_migrations table, and applied at most once each. A failing
// migration aborts startup rather than leaving a half-applied schema.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

// Store is the single-writer handle onto the engine's durable state.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the database at path, applies any missing
// migrations, and enables foreign key enforcement.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // spec §5: the engine is a single writer

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for callers (doctor, status API) that
// need read-only ad hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx runs fn inside a single transaction. Any error returned by fn aborts
// the transaction; fn must not retain the transaction past its return.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func sanitize(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// execer is satisfied by both *sql.DB and *sql.Tx, so CRUD helpers can run
// either standalone or as part of a caller-managed transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}
