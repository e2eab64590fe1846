package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const taskColumns = `task_id, plan_id, node_type, title, owner_agent, priority, status, blocked_reason,
	attempt_count, active_artifact_id, approved_artifact_id, estimated_person_days,
	deliverable_spec, acceptance_criteria, review_target_task_id, created_at, updated_at`

const insertTaskSQL = `INSERT INTO task_nodes (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		node_type = excluded.node_type,
		title = excluded.title,
		owner_agent = excluded.owner_agent,
		priority = excluded.priority,
		estimated_person_days = excluded.estimated_person_days,
		deliverable_spec = excluded.deliverable_spec,
		acceptance_criteria = excluded.acceptance_criteria,
		review_target_task_id = excluded.review_target_task_id,
		updated_at = excluded.updated_at;`

const getTaskSQL = `SELECT ` + taskColumns + ` FROM task_nodes WHERE task_id = ?;`

const listTasksByPlanSQL = `SELECT ` + taskColumns + ` FROM task_nodes WHERE plan_id = ? ORDER BY created_at ASC;`

const updateTaskStatusSQL = `UPDATE task_nodes SET status = ?, blocked_reason = ?, updated_at = ? WHERE task_id = ?;`

const incrementAttemptSQL = `UPDATE task_nodes SET attempt_count = attempt_count + 1, updated_at = ? WHERE task_id = ?;`

const setActiveArtifactSQL = `UPDATE task_nodes SET active_artifact_id = ?, updated_at = ? WHERE task_id = ?;`

const setApprovedArtifactSQL = `UPDATE task_nodes SET approved_artifact_id = ?, updated_at = ? WHERE task_id = ?;`

const resetFailedTaskSQL = `UPDATE task_nodes SET status = ?, blocked_reason = '', attempt_count = 0, updated_at = ?
	WHERE task_id = ? AND status IN (?, ?);`

// UpsertTask inserts or updates a task node. Status/attempt/artifact pointers
// are deliberately excluded from the upsert's UPDATE clause: those only ever
// change through the dedicated transition helpers below, never through a
// blanket re-import.
func (s *Store) UpsertTask(ctx context.Context, tx *sql.Tx, t planmodel.TaskNode) error {
	ctx = sanitize(ctx)
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = planmodel.StatusPending
	}
	_, err := s.execer(tx).ExecContext(ctx, insertTaskSQL,
		t.TaskID, t.PlanID, string(t.NodeType), t.Title, t.OwnerAgent, t.Priority, string(t.Status),
		string(t.BlockedReason), t.AttemptCount, t.ActiveArtifactID, t.ApprovedArtifactID,
		t.EstimatedPersonDays, t.DeliverableSpec, t.AcceptanceCriteria, t.ReviewTargetTaskID,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert task %q: %w", t.TaskID, err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (planmodel.TaskNode, error) {
	row := s.db.QueryRowContext(sanitize(ctx), getTaskSQL, taskID)
	return scanTask(row)
}

// ListTasksByPlan returns every task node belonging to a plan.
func (s *Store) ListTasksByPlan(ctx context.Context, planID string) ([]planmodel.TaskNode, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listTasksByPlanSQL, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for plan %q: %w", planID, err)
	}
	defer rows.Close()

	var out []planmodel.TaskNode
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus transitions a task's status (and blocked_reason, cleared unless
// the new status is BLOCKED) and is the only path that writes status.
func (s *Store) SetStatus(ctx context.Context, tx *sql.Tx, taskID string, status planmodel.TaskStatus, reason planmodel.BlockedReason) error {
	if status != planmodel.StatusBlocked {
		reason = ""
	}
	_, err := s.execer(tx).ExecContext(sanitize(ctx), updateTaskStatusSQL, string(status), string(reason), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set status for task %q: %w", taskID, err)
	}
	return nil
}

// IncrementAttempt bumps attempt_count by one. attempt_count only ever
// increases (spec invariant 7).
func (s *Store) IncrementAttempt(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), incrementAttemptSQL, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("increment attempt for task %q: %w", taskID, err)
	}
	return nil
}

// SetActiveArtifact points active_artifact_id at the most recently produced
// artifact.
func (s *Store) SetActiveArtifact(ctx context.Context, tx *sql.Tx, taskID, artifactID string) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), setActiveArtifactSQL, artifactID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set active artifact for task %q: %w", taskID, err)
	}
	return nil
}

// SetApprovedArtifact points approved_artifact_id at the last review-passed
// artifact.
func (s *Store) SetApprovedArtifact(ctx context.Context, tx *sql.Tx, taskID, artifactID string) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), setApprovedArtifactSQL, artifactID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set approved artifact for task %q: %w", taskID, err)
	}
	return nil
}

// ResetFailedTask clears a FAILED or attempt-capped BLOCKED task back to
// READY with attempt_count reset to zero, for the operator's explicit
// "reset-failed" CLI action (FAILED_AUTO_RESET_READY defaults to false, so
// this is the only way such a task runs again).
func (s *Store) ResetFailedTask(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), resetFailedTaskSQL,
		string(planmodel.StatusReady), time.Now().UTC(), taskID,
		string(planmodel.StatusFailed), string(planmodel.StatusBlocked))
	if err != nil {
		return fmt.Errorf("reset failed task %q: %w", taskID, err)
	}
	return nil
}

func scanTask(scanner rowScanner) (planmodel.TaskNode, error) {
	var t planmodel.TaskNode
	var nodeType, status, reason string
	if err := scanner.Scan(
		&t.TaskID, &t.PlanID, &nodeType, &t.Title, &t.OwnerAgent, &t.Priority, &status, &reason,
		&t.AttemptCount, &t.ActiveArtifactID, &t.ApprovedArtifactID, &t.EstimatedPersonDays,
		&t.DeliverableSpec, &t.AcceptanceCriteria, &t.ReviewTargetTaskID, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.TaskNode{}, fmt.Errorf("task: not found")
		}
		return planmodel.TaskNode{}, fmt.Errorf("scan task: %w", err)
	}
	t.NodeType = planmodel.NodeType(nodeType)
	t.Status = planmodel.TaskStatus(status)
	t.BlockedReason = planmodel.BlockedReason(reason)
	return t, nil
}
