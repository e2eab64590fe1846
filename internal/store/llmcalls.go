package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const llmCallColumns = `llm_call_id, plan_id, task_id, agent, scope, prompt_text, response_text,
	parsed_json, normalized_json, validator_error, error_code, error_message, attempt, review_attempt,
	retry_reason, prompt_truncated, response_truncated, input_tokens, output_tokens, cost_usd, duration_ms, created_at`

const insertLlmCallSQL = `INSERT INTO llm_calls (` + llmCallColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

const listLlmCallsByTaskSQL = `SELECT ` + llmCallColumns + ` FROM llm_calls WHERE task_id = ? ORDER BY created_at ASC;`

const listLlmCallsByPlanSQL = `SELECT ` + llmCallColumns + ` FROM llm_calls WHERE plan_id = ? ORDER BY created_at ASC;`

const countLlmCallsByPlanSQL = `SELECT COUNT(*) FROM llm_calls WHERE plan_id = ?;`

const updateLlmCallTelemetrySQL = `UPDATE llm_calls SET input_tokens = ?, output_tokens = ?, cost_usd = ?, duration_ms = ? WHERE llm_call_id = ?;`

const updateLlmCallPlanIDSQL = `UPDATE llm_calls SET plan_id = ? WHERE llm_call_id = ?;`

// InsertLlmCall persists one LM exchange. Every call the engine makes — plan
// generation, task action, task check, plan review — gets exactly one row,
// win or lose, so the whole history is auditable after the fact.
func (s *Store) InsertLlmCall(ctx context.Context, tx *sql.Tx, c planmodel.LlmCall) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.execer(tx).ExecContext(sanitize(ctx), insertLlmCallSQL,
		c.LlmCallID, c.PlanID, c.TaskID, c.Agent, c.Scope, c.PromptText, c.ResponseText,
		c.ParsedJSON, c.NormalizedJSON, c.ValidatorError, c.ErrorCode, c.ErrorMessage,
		c.Attempt, c.ReviewAttempt, c.RetryReason, c.PromptTruncated, c.ResponseTruncated,
		c.InputTokens, c.OutputTokens, c.CostUSD, c.DurationMS, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert llm call %q: %w", c.LlmCallID, err)
	}
	return nil
}

// SetLlmCallTelemetry records token/cost/duration figures derived after the
// call returns (estimation happens outside the write path proper).
func (s *Store) SetLlmCallTelemetry(ctx context.Context, tx *sql.Tx, llmCallID string, inputTokens, outputTokens int, costUSD float64, durationMS int64) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), updateLlmCallTelemetrySQL, inputTokens, outputTokens, costUSD, durationMS, llmCallID)
	if err != nil {
		return fmt.Errorf("set telemetry for llm call %q: %w", llmCallID, err)
	}
	return nil
}

// SetLlmCallPlanID back-fills plan_id onto a call made before its plan
// existed (the PLAN_GEN call that produces the plan itself).
func (s *Store) SetLlmCallPlanID(ctx context.Context, tx *sql.Tx, llmCallID, planID string) error {
	_, err := s.execer(tx).ExecContext(sanitize(ctx), updateLlmCallPlanIDSQL, planID, llmCallID)
	if err != nil {
		return fmt.Errorf("set plan id for llm call %q: %w", llmCallID, err)
	}
	return nil
}

// ListLlmCallsByTask returns every call made on behalf of a task.
func (s *Store) ListLlmCallsByTask(ctx context.Context, taskID string) ([]planmodel.LlmCall, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listLlmCallsByTaskSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list llm calls for task %q: %w", taskID, err)
	}
	defer rows.Close()
	return scanLlmCalls(rows)
}

// ListLlmCallsByPlan returns every call made on behalf of a plan.
func (s *Store) ListLlmCallsByPlan(ctx context.Context, planID string) ([]planmodel.LlmCall, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listLlmCallsByPlanSQL, planID)
	if err != nil {
		return nil, fmt.Errorf("list llm calls for plan %q: %w", planID, err)
	}
	defer rows.Close()
	return scanLlmCalls(rows)
}

// CountLlmCallsByPlan returns the total number of LM calls made for a plan,
// used by the engine's MAX_LLM_CALLS fuse.
func (s *Store) CountLlmCallsByPlan(ctx context.Context, planID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(sanitize(ctx), countLlmCallsByPlanSQL, planID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count llm calls for plan %q: %w", planID, err)
	}
	return count, nil
}

func scanLlmCalls(rows *sql.Rows) ([]planmodel.LlmCall, error) {
	var out []planmodel.LlmCall
	for rows.Next() {
		var c planmodel.LlmCall
		if err := rows.Scan(&c.LlmCallID, &c.PlanID, &c.TaskID, &c.Agent, &c.Scope, &c.PromptText,
			&c.ResponseText, &c.ParsedJSON, &c.NormalizedJSON, &c.ValidatorError, &c.ErrorCode,
			&c.ErrorMessage, &c.Attempt, &c.ReviewAttempt, &c.RetryReason, &c.PromptTruncated,
			&c.ResponseTruncated, &c.InputTokens, &c.OutputTokens, &c.CostUSD, &c.DurationMS,
			&c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan llm call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
