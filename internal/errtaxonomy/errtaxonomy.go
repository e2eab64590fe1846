// Package errtaxonomy applies the engine's error-mapping table (task status
// and attempt-count effects per error code) and records the structured
// error event every non-absorbed failure must leave behind.
package errtaxonomy

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

// Code names one row of the error taxonomy table.
type Code string

const (
	LLMUnparseable       Code = "LLM_UNPARSEABLE"
	LLMTimeout           Code = "LLM_TIMEOUT"
	LLMRefusal           Code = "LLM_REFUSAL"
	SkillFailed          Code = "SKILL_FAILED"
	SkillTimeout         Code = "SKILL_TIMEOUT"
	SkillBadInput        Code = "SKILL_BAD_INPUT"
	InputConflict        Code = "INPUT_CONFLICT"
	InputMissing         Code = "INPUT_MISSING"
	MaxAttemptsExceeded  Code = "MAX_ATTEMPTS_EXCEEDED"
	PlanTimeout          Code = "PLAN_TIMEOUT"
	PlanInvalid          Code = "PLAN_INVALID"
)

// hints holds the short human-readable next-step string every error event
// carries (spec §7: "every error event includes a short hint string").
var hints = map[Code]string{
	LLMUnparseable:      "the model's response did not match the expected contract; the task stays FAILED until reset with reset-failed",
	LLMTimeout:          "the model call exceeded its configured timeout; the task stays FAILED until reset with reset-failed",
	LLMRefusal:          "the model declined to produce a result; the task stays FAILED until reset with reset-failed",
	SkillFailed:         "an external tool invocation failed; place corrected input or retry the skill",
	SkillTimeout:        "an external tool invocation exceeded its time budget",
	SkillBadInput:       "an external tool was invoked without the input it required",
	InputConflict:       "two ambiguous versions were found for one requirement; resolve and reset",
	InputMissing:        "required evidence is absent; place a matching file under inputs/",
	MaxAttemptsExceeded: "the task reached its attempt cap; reset attempts and retry, or raise the cap",
}

// Apply records a structured ERROR event and applies the status/attempt
// effect the spec's error taxonomy table assigns to code, for a task whose
// attempt_count has NOT yet been incremented for this failure (Apply does
// that itself when the table calls for it). maxTaskAttempts is the
// configured per-task attempt cap; once a FAILED-bound code would push the
// task's attempt count to or past it, the task is frozen into
// BLOCKED(WAITING_EXTERNAL) as MAX_ATTEMPTS_EXCEEDED instead (spec §7).
func Apply(ctx context.Context, s *store.Store, task planmodel.TaskNode, code Code, message string, retryable bool, maxTaskAttempts int) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		status, reason, incrementAttempt := effect(code, retryable)

		attempt := task.AttemptCount
		if incrementAttempt {
			attempt++
			if err := s.IncrementAttempt(ctx, tx, task.TaskID); err != nil {
				return err
			}
		}

		if status == planmodel.StatusFailed && attempt >= maxTaskAttempts {
			status, reason = planmodel.StatusBlocked, planmodel.WaitingExternal
			code = MaxAttemptsExceeded
		}

		if err := s.SetStatus(ctx, tx, task.TaskID, status, reason); err != nil {
			return err
		}

		return s.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    task.PlanID,
			TaskID:    task.TaskID,
			EventType: planmodel.EventError,
			Payload: map[string]any{
				"code":    string(code),
				"message": message,
				"hint":    hints[code],
			},
		})
	})
}

func effect(code Code, retryable bool) (planmodel.TaskStatus, planmodel.BlockedReason, bool) {
	switch code {
	case LLMUnparseable, LLMTimeout, LLMRefusal:
		return planmodel.StatusFailed, "", true
	case SkillFailed:
		return planmodel.StatusBlocked, planmodel.WaitingSkill, retryable
	case SkillTimeout:
		return planmodel.StatusBlocked, planmodel.WaitingSkill, false
	case SkillBadInput:
		return planmodel.StatusBlocked, planmodel.WaitingInput, false
	case InputConflict:
		return planmodel.StatusBlocked, planmodel.WaitingExternal, false
	case InputMissing:
		return planmodel.StatusBlocked, planmodel.WaitingInput, false
	case MaxAttemptsExceeded:
		return planmodel.StatusBlocked, planmodel.WaitingExternal, false
	default:
		return planmodel.StatusBlocked, planmodel.WaitingExternal, false
	}
}
