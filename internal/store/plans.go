package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertPlanSQL = `INSERT INTO plans (plan_id, title, owner_agent, root_task_id, priority, deadline, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(plan_id) DO UPDATE SET
		title = excluded.title,
		owner_agent = excluded.owner_agent,
		root_task_id = excluded.root_task_id,
		priority = excluded.priority,
		deadline = excluded.deadline;`

const getPlanSQL = `SELECT plan_id, title, owner_agent, root_task_id, priority, deadline, created_at FROM plans WHERE plan_id = ?;`

const listPlansSQL = `SELECT plan_id, title, owner_agent, root_task_id, priority, deadline, created_at FROM plans ORDER BY created_at ASC;`

// UpsertPlan inserts or replaces a plan row. tx may be nil to run standalone.
func (s *Store) UpsertPlan(ctx context.Context, tx *sql.Tx, p planmodel.Plan) error {
	ctx = sanitize(ctx)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.execer(tx).ExecContext(ctx, insertPlanSQL,
		p.PlanID, p.Title, p.OwnerAgent, p.RootTaskID, p.Priority, nullableTime(p.Deadline), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert plan %q: %w", p.PlanID, err)
	}
	return nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, planID string) (planmodel.Plan, error) {
	row := s.db.QueryRowContext(sanitize(ctx), getPlanSQL, planID)
	return scanPlan(row)
}

// ListPlans returns every plan, oldest first.
func (s *Store) ListPlans(ctx context.Context) ([]planmodel.Plan, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listPlansSQL)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []planmodel.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (planmodel.Plan, error) {
	var p planmodel.Plan
	var deadline sql.NullTime
	if err := row.Scan(&p.PlanID, &p.Title, &p.OwnerAgent, &p.RootTaskID, &p.Priority, &deadline, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.Plan{}, fmt.Errorf("plan: not found")
		}
		return planmodel.Plan{}, fmt.Errorf("scan plan: %w", err)
	}
	if deadline.Valid {
		d := deadline.Time
		p.Deadline = &d
	}
	return p, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
