package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertArtifactSQL = `INSERT INTO artifacts (artifact_id, task_id, name, path, format, version, content_hash, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

const listArtifactsByTaskSQL = `SELECT artifact_id, task_id, name, path, format, version, content_hash, created_at
	FROM artifacts WHERE task_id = ? ORDER BY version ASC;`

const getArtifactSQL = `SELECT artifact_id, task_id, name, path, format, version, content_hash, created_at
	FROM artifacts WHERE artifact_id = ?;`

const maxArtifactVersionSQL = `SELECT COALESCE(MAX(version), 0) FROM artifacts WHERE task_id = ?;`

// InsertArtifact records a new artifact version. Callers should derive
// Version from NextArtifactVersion within the same transaction so versions
// stay contiguous even under the engine's single-writer discipline.
func (s *Store) InsertArtifact(ctx context.Context, tx *sql.Tx, a planmodel.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.execer(tx).ExecContext(sanitize(ctx), insertArtifactSQL,
		a.ArtifactID, a.TaskID, a.Name, a.Path, string(a.Format), a.Version, a.ContentHash, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact %q: %w", a.ArtifactID, err)
	}
	return nil
}

// NextArtifactVersion returns the version number the next artifact for
// taskID should use.
func (s *Store) NextArtifactVersion(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var max int
	row := s.execer(tx).QueryRowContext(sanitize(ctx), maxArtifactVersionSQL, taskID)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("next artifact version for task %q: %w", taskID, err)
	}
	return max + 1, nil
}

// GetArtifact returns one artifact by id.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (planmodel.Artifact, error) {
	row := s.db.QueryRowContext(sanitize(ctx), getArtifactSQL, artifactID)
	return scanArtifact(row)
}

// ListArtifactsByTask returns every version produced for a task, oldest first.
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]planmodel.Artifact, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listArtifactsByTaskSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for task %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []planmodel.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(scanner rowScanner) (planmodel.Artifact, error) {
	var a planmodel.Artifact
	var format string
	if err := scanner.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Path, &format, &a.Version, &a.ContentHash, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.Artifact{}, fmt.Errorf("artifact: not found")
		}
		return planmodel.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	a.Format = planmodel.ArtifactFormat(format)
	return a, nil
}
