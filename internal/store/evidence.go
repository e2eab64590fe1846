package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

// ErrDuplicateEvidence is returned when evidence for the same
// (requirement_id, ref_id) pair already exists — binding is idempotent,
// not an error condition callers need to treat specially, but they may
// want to distinguish "already bound" from "bound now".
var ErrDuplicateEvidence = errors.New("evidence: already bound")

const insertEvidenceSQL = `INSERT INTO evidence
	(evidence_id, requirement_id, ref_id, kind, source_path, content_hash, modified_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

const listEvidenceByRequirementSQL = `SELECT evidence_id, requirement_id, ref_id, kind, source_path, content_hash, modified_at, created_at
	FROM evidence WHERE requirement_id = ? ORDER BY created_at ASC;`

const getEvidenceByRefSQL = `SELECT evidence_id, requirement_id, ref_id, kind, source_path, content_hash, modified_at, created_at
	FROM evidence WHERE requirement_id = ? AND ref_id = ?;`

// InsertEvidence binds one piece of evidence to a requirement. It is
// idempotent on (requirement_id, ref_id): a repeat bind returns
// ErrDuplicateEvidence rather than failing the caller's transaction, since
// this is driven by the matcher re-scanning inputs/ every tick.
func (s *Store) InsertEvidence(ctx context.Context, tx *sql.Tx, e planmodel.Evidence) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.execer(tx).ExecContext(sanitize(ctx), insertEvidenceSQL,
		e.EvidenceID, e.RequirementID, e.RefID, string(e.Kind), e.SourcePath, e.ContentHash,
		nullableTime(nonZeroTime(e.ModifiedAt)), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvidence
		}
		return fmt.Errorf("insert evidence for requirement %q: %w", e.RequirementID, err)
	}
	return nil
}

// ListEvidenceByRequirement returns all evidence bound to a requirement,
// oldest first.
func (s *Store) ListEvidenceByRequirement(ctx context.Context, requirementID string) ([]planmodel.Evidence, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listEvidenceByRequirementSQL, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list evidence for requirement %q: %w", requirementID, err)
	}
	defer rows.Close()

	var out []planmodel.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEvidenceByRef looks up a single binding, returning sql.ErrNoRows
// wrapped if absent.
func (s *Store) GetEvidenceByRef(ctx context.Context, requirementID, refID string) (planmodel.Evidence, error) {
	row := s.db.QueryRowContext(sanitize(ctx), getEvidenceByRefSQL, requirementID, refID)
	return scanEvidence(row)
}

func scanEvidence(scanner rowScanner) (planmodel.Evidence, error) {
	var e planmodel.Evidence
	var kind string
	var modified sql.NullTime
	if err := scanner.Scan(&e.EvidenceID, &e.RequirementID, &e.RefID, &kind, &e.SourcePath,
		&e.ContentHash, &modified, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.Evidence{}, fmt.Errorf("evidence: not found")
		}
		return planmodel.Evidence{}, fmt.Errorf("scan evidence: %w", err)
	}
	e.Kind = planmodel.RequirementKind(kind)
	if modified.Valid {
		e.ModifiedAt = modified.Time
	}
	return e, nil
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
// modernc.org/sqlite surfaces constraint failures as plain errors whose
// text names the failing constraint rather than a typed error value.
func isUniqueViolation(err error) bool {
	return err != nil && containsUniqueText(err.Error())
}

func containsUniqueText(msg string) bool {
	for _, needle := range []string{"UNIQUE constraint failed", "constraint failed: UNIQUE"} {
		if len(msg) >= len(needle) && indexOf(msg, needle) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}
