package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertEdgeSQL = `INSERT OR IGNORE INTO task_edges (edge_id, plan_id, edge_type, from_task_id, to_task_id, and_or, group_id)
	VALUES (?, ?, ?, ?, ?, ?, ?);`

const listEdgesByPlanSQL = `SELECT edge_id, plan_id, edge_type, from_task_id, to_task_id, and_or, group_id
	FROM task_edges WHERE plan_id = ?;`

const listDependsOnPredecessorsSQL = `SELECT from_task_id FROM task_edges WHERE to_task_id = ? AND edge_type = 'DEPENDS_ON';`

const listDecomposeChildrenSQL = `SELECT to_task_id, and_or FROM task_edges WHERE from_task_id = ? AND edge_type = 'DECOMPOSE';`

// InsertEdge adds one edge. An insert whose edge_id already exists is
// silently ignored; edges with different ids are all kept, even when they
// share plan, endpoints and type.
func (s *Store) InsertEdge(ctx context.Context, tx *sql.Tx, e planmodel.TaskEdge) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), insertEdgeSQL,
		e.EdgeID, e.PlanID, string(e.EdgeType), e.FromID, e.ToID, string(e.AndOr), e.GroupID)
	if err != nil {
		return fmt.Errorf("insert edge %q: %w", e.EdgeID, err)
	}
	return nil
}

// ListEdgesByPlan returns every edge belonging to a plan.
func (s *Store) ListEdgesByPlan(ctx context.Context, planID string) ([]planmodel.TaskEdge, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listEdgesByPlanSQL, planID)
	if err != nil {
		return nil, fmt.Errorf("list edges for plan %q: %w", planID, err)
	}
	defer rows.Close()

	var out []planmodel.TaskEdge
	for rows.Next() {
		var e planmodel.TaskEdge
		var edgeType, andOr string
		if err := rows.Scan(&e.EdgeID, &e.PlanID, &edgeType, &e.FromID, &e.ToID, &andOr, &e.GroupID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.EdgeType = planmodel.EdgeType(edgeType)
		e.AndOr = planmodel.AndOr(andOr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DependsOnPredecessors returns the task ids that taskID depends on.
func (s *Store) DependsOnPredecessors(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listDependsOnPredecessorsSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list predecessors of %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan predecessor: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DecomposeChild is one DECOMPOSE edge target with its fan-out mode.
type DecomposeChild struct {
	TaskID string
	AndOr  planmodel.AndOr
}

// DecomposeChildren returns the DECOMPOSE children of taskID.
func (s *Store) DecomposeChildren(ctx context.Context, taskID string) ([]DecomposeChild, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listDecomposeChildrenSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list children of %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []DecomposeChild
	for rows.Next() {
		var c DecomposeChild
		var andOr string
		if err := rows.Scan(&c.TaskID, &andOr); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		c.AndOr = planmodel.AndOr(andOr)
		out = append(out, c)
	}
	return out, rows.Err()
}
