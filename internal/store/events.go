package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertEventSQL = `INSERT INTO task_events (event_id, plan_id, task_id, event_type, payload_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?);`

const listEventsByPlanSQL = `SELECT event_id, plan_id, task_id, event_type, payload_json, created_at
	FROM task_events WHERE plan_id = ? ORDER BY created_at ASC;`

const listEventsByTaskSQL = `SELECT event_id, plan_id, task_id, event_type, payload_json, created_at
	FROM task_events WHERE task_id = ? ORDER BY created_at ASC;`

const listEventsSinceSQL = `SELECT event_id, plan_id, task_id, event_type, payload_json, created_at
	FROM task_events WHERE created_at >= ? ORDER BY created_at ASC;`

// AppendEvent writes one journal entry. Events are append-only: nothing in
// the engine ever updates or deletes a past event.
func (s *Store) AppendEvent(ctx context.Context, tx *sql.Tx, e planmodel.TaskEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(nonNilPayload(e.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload for event %q: %w", e.EventID, err)
	}
	_, err = s.execer(tx).ExecContext(sanitize(ctx), insertEventSQL,
		e.EventID, e.PlanID, e.TaskID, e.EventType, string(payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %q: %w", e.EventID, err)
	}
	return nil
}

// ListEventsByPlan returns every event for a plan, in creation order.
func (s *Store) ListEventsByPlan(ctx context.Context, planID string) ([]planmodel.TaskEvent, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listEventsByPlanSQL, planID)
	if err != nil {
		return nil, fmt.Errorf("list events for plan %q: %w", planID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsByTask returns every event for a task, in creation order.
func (s *Store) ListEventsByTask(ctx context.Context, taskID string) ([]planmodel.TaskEvent, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listEventsByTaskSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %q: %w", taskID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsSince returns every event at or after since, used by the
// status API's tail endpoint.
func (s *Store) ListEventsSince(ctx context.Context, since time.Time) ([]planmodel.TaskEvent, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listEventsSinceSQL, since)
	if err != nil {
		return nil, fmt.Errorf("list events since %s: %w", since, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]planmodel.TaskEvent, error) {
	var out []planmodel.TaskEvent
	for rows.Next() {
		var e planmodel.TaskEvent
		var payload string
		if err := rows.Scan(&e.EventID, &e.PlanID, &e.TaskID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNilPayload(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
