package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertSkillRunSQL = `INSERT INTO skill_runs
	(skill_run_id, task_id, skill_name, input_hashes, params, idempotency_key, status, outputs, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

const getSkillRunByIdempotencyKeySQL = `SELECT skill_run_id, task_id, skill_name, input_hashes, params, idempotency_key, status, outputs, created_at, completed_at
	FROM skill_runs WHERE idempotency_key = ?;`

const updateSkillRunStatusSQL = `UPDATE skill_runs SET status = ?, outputs = ?, completed_at = ? WHERE skill_run_id = ?;`

// InsertSkillRun records a new skill invocation. Callers must check
// GetSkillRunByIdempotencyKey first: a run with the same key has already
// happened (or is in flight) and should be reused rather than repeated.
func (s *Store) InsertSkillRun(ctx context.Context, tx *sql.Tx, r planmodel.SkillRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	inputHashes, err := json.Marshal(nonNilStrings(r.InputHashes))
	if err != nil {
		return fmt.Errorf("marshal input_hashes for %q: %w", r.SkillRunID, err)
	}
	params, err := json.Marshal(nonNilStringMap(r.Params))
	if err != nil {
		return fmt.Errorf("marshal params for %q: %w", r.SkillRunID, err)
	}
	outputs, err := json.Marshal(nonNilStringMap(r.Outputs))
	if err != nil {
		return fmt.Errorf("marshal outputs for %q: %w", r.SkillRunID, err)
	}

	_, err = s.execer(tx).ExecContext(sanitize(ctx), insertSkillRunSQL,
		r.SkillRunID, r.TaskID, r.SkillName, string(inputHashes), string(params), r.IdempotencyKey,
		r.Status, string(outputs), r.CreatedAt, nullableTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert skill run %q: %w", r.SkillRunID, err)
	}
	return nil
}

// GetSkillRunByIdempotencyKey looks up a prior run by its derived key.
// Returns found=false, nil error if no run exists yet.
func (s *Store) GetSkillRunByIdempotencyKey(ctx context.Context, key string) (planmodel.SkillRun, bool, error) {
	row := s.db.QueryRowContext(sanitize(ctx), getSkillRunByIdempotencyKeySQL, key)
	r, err := scanSkillRun(row)
	if err != nil {
		if err.Error() == "skill run: not found" {
			return planmodel.SkillRun{}, false, nil
		}
		return planmodel.SkillRun{}, false, err
	}
	return r, true, nil
}

// CompleteSkillRun records the final status and outputs of a skill run.
func (s *Store) CompleteSkillRun(ctx context.Context, tx *sql.Tx, skillRunID, status string, outputs map[string]string) error {
	body, err := json.Marshal(nonNilStringMap(outputs))
	if err != nil {
		return fmt.Errorf("marshal outputs for %q: %w", skillRunID, err)
	}
	now := time.Now().UTC()
	_, err = s.execer(tx).ExecContext(sanitize(ctx), updateSkillRunStatusSQL, status, string(body), now, skillRunID)
	if err != nil {
		return fmt.Errorf("complete skill run %q: %w", skillRunID, err)
	}
	return nil
}

func scanSkillRun(scanner rowScanner) (planmodel.SkillRun, error) {
	var r planmodel.SkillRun
	var inputHashes, params, outputs string
	var completed sql.NullTime
	if err := scanner.Scan(&r.SkillRunID, &r.TaskID, &r.SkillName, &inputHashes, &params,
		&r.IdempotencyKey, &r.Status, &outputs, &r.CreatedAt, &completed); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.SkillRun{}, fmt.Errorf("skill run: not found")
		}
		return planmodel.SkillRun{}, fmt.Errorf("scan skill run: %w", err)
	}
	if err := json.Unmarshal([]byte(inputHashes), &r.InputHashes); err != nil {
		return planmodel.SkillRun{}, fmt.Errorf("unmarshal input_hashes: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return planmodel.SkillRun{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
		return planmodel.SkillRun{}, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func nonNilStringMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
