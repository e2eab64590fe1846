package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertRequirementSQL = `INSERT INTO input_requirements
	(requirement_id, task_id, name, kind, required, min_count, allowed_types, source, filename_keywords)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(requirement_id) DO UPDATE SET
		name = excluded.name,
		kind = excluded.kind,
		required = excluded.required,
		min_count = excluded.min_count,
		allowed_types = excluded.allowed_types,
		source = excluded.source,
		filename_keywords = excluded.filename_keywords;`

const listRequirementsByTaskSQL = `SELECT requirement_id, task_id, name, kind, required, min_count, allowed_types, source, filename_keywords
	FROM input_requirements WHERE task_id = ?;`

const getRequirementSQL = `SELECT requirement_id, task_id, name, kind, required, min_count, allowed_types, source, filename_keywords
	FROM input_requirements WHERE requirement_id = ?;`

// UpsertRequirement inserts or updates an input requirement.
func (s *Store) UpsertRequirement(ctx context.Context, tx *sql.Tx, r planmodel.InputRequirement) error {
	allowedTypes, err := json.Marshal(nonNilStrings(r.AllowedTypes))
	if err != nil {
		return fmt.Errorf("marshal allowed_types for %q: %w", r.RequirementID, err)
	}
	keywords, err := json.Marshal(nonNilStrings(r.FilenameKeywords))
	if err != nil {
		return fmt.Errorf("marshal filename_keywords for %q: %w", r.RequirementID, err)
	}

	_, err = s.execer(tx).ExecContext(sanitize(ctx), insertRequirementSQL,
		r.RequirementID, r.TaskID, r.Name, string(r.Kind), r.Required, r.MinCount,
		string(allowedTypes), string(r.Source), string(keywords))
	if err != nil {
		return fmt.Errorf("upsert requirement %q: %w", r.RequirementID, err)
	}
	return nil
}

// GetRequirement returns one requirement by id.
func (s *Store) GetRequirement(ctx context.Context, requirementID string) (planmodel.InputRequirement, error) {
	row := s.db.QueryRowContext(sanitize(ctx), getRequirementSQL, requirementID)
	return scanRequirement(row)
}

// ListRequirementsByTask returns every requirement declared on a task.
func (s *Store) ListRequirementsByTask(ctx context.Context, taskID string) ([]planmodel.InputRequirement, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listRequirementsByTaskSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list requirements for task %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []planmodel.InputRequirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequirement(scanner rowScanner) (planmodel.InputRequirement, error) {
	var r planmodel.InputRequirement
	var kind, source, allowedTypes, keywords string
	if err := scanner.Scan(&r.RequirementID, &r.TaskID, &r.Name, &kind, &r.Required, &r.MinCount,
		&allowedTypes, &source, &keywords); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.InputRequirement{}, fmt.Errorf("requirement: not found")
		}
		return planmodel.InputRequirement{}, fmt.Errorf("scan requirement: %w", err)
	}
	r.Kind = planmodel.RequirementKind(kind)
	r.Source = planmodel.RequirementSource(source)
	if err := json.Unmarshal([]byte(allowedTypes), &r.AllowedTypes); err != nil {
		return planmodel.InputRequirement{}, fmt.Errorf("unmarshal allowed_types: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &r.FilenameKeywords); err != nil {
		return planmodel.InputRequirement{}, fmt.Errorf("unmarshal filename_keywords: %w", err)
	}
	return r, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
