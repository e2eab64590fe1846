package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
);`

func loadMigrations() ([]string, map[string]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	bodies := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		raw, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
		bodies[entry.Name()] = string(raw)
	}
	sort.Strings(names)
	return names, bodies, nil
}

// applyMigrations runs every migration file not already recorded in
// schema_migrations, in filename order, each inside its own transaction.
// A failing migration aborts the whole startup: the engine refuses to run
// and the caller learns which file failed.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]struct{})
	rows, err := db.Query(`SELECT filename FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("list applied migrations: %w", err)
	}
	rows.Close()

	names, bodies, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, name := range names {
		if _, ok := applied[name]; ok {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", name, err)
		}
		if _, err := tx.Exec(bodies[name]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: record applied: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", name, err)
		}
	}

	return nil
}

// LatestMigration returns the filename of the most recently applied
// migration, used by the doctor's database checks.
func (s *Store) LatestMigration() (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT filename FROM schema_migrations ORDER BY filename DESC LIMIT 1`).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("latest migration: %w", err)
	}
	return name, nil
}

// AvailableMigrations returns every migration filename embedded in the
// binary, in order, regardless of whether it has been applied. Used by the
// doctor's database check to detect a database older than the running
// binary.
func AvailableMigrations() ([]string, error) {
	names, _, err := loadMigrations()
	return names, err
}

// AppliedMigrations returns every migration filename applied so far, in order.
func (s *Store) AppliedMigrations() ([]string, error) {
	rows, err := s.db.Query(`SELECT filename FROM schema_migrations ORDER BY filename ASC`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
