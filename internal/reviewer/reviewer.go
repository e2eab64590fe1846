// Package reviewer runs the reviewer phase (spec §4.8): scores the active
// artifact against the task's acceptance criteria, appends a Review row,
// and applies the approve/modify/request-input decision table.
package reviewer

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/contracts"
	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

const sharedPreamble = `You are the reviewer agent in a task-execution engine. You score one ` +
	`artifact at a time and must respond with a single JSON object conforming to the ` +
	`xiaojing_review_v1 contract: {"total_score": 0-100, "action_required": "APPROVE"|"MODIFY"|` +
	`"REQUEST_EXTERNAL_INPUT", "breakdown": [...], "suggestions": [...], "summary": "..."}. ` +
	`Do not include any prose outside the JSON object.`

const agentSpecific = `Score strictly against the stated acceptance criteria, not your own taste. ` +
	`Every MODIFY verdict must carry at least one concrete, actionable suggestion.`

// Run executes one reviewer pass on task, a READY_TO_CHECK ACTION task,
// scoring the task's own active artifact.
func Run(ctx context.Context, ec *enginectx.Context, task planmodel.TaskNode) error {
	layout := workspace.New(ec.Config.WorkspaceRoot)

	reviewedArtifactID := task.ActiveArtifactID
	if reviewedArtifactID == "" {
		return fmt.Errorf("reviewer: task %s has no active artifact to review", task.TaskID)
	}

	artifact, err := ec.Store.GetArtifact(ctx, reviewedArtifactID)
	if err != nil {
		return fmt.Errorf("reviewer: load artifact %s: %w", reviewedArtifactID, err)
	}
	body, _, err := workspace.ReadCapped(artifact.Path, ec.Config.Guardrails.MaxPromptChars)
	if err != nil {
		return fmt.Errorf("reviewer: read artifact body for %s: %w", task.TaskID, err)
	}

	prompt := buildPrompt(task, artifact, body)

	timeout := time.Duration(ec.Config.LLM.TimeoutS) * time.Second
	start := ec.Now()
	result, callErr := ec.LM.Call(ctx, ec.Reviewer, prompt, timeout)
	duration := ec.Now().Sub(start)

	call := planmodel.LlmCall{
		LlmCallID:         uuid.NewString(),
		PlanID:            task.PlanID,
		TaskID:            task.TaskID,
		Agent:             string(ec.Reviewer),
		Scope:             "REVIEWER",
		PromptText:        prompt,
		ResponseText:      result.RawText,
		ErrorCode:         result.ErrorCode,
		Attempt:           task.AttemptCount + 1,
		PromptTruncated:   result.PromptTruncated,
		ResponseTruncated: result.ResponseTruncated,
	}
	if callErr != nil {
		call.ErrorMessage = callErr.Error()
	}

	// LLM_UNPARSEABLE or LLM_TIMEOUT: the call is recorded and the task is
	// left READY_TO_CHECK, not marked FAILED, so it is picked for review again
	// on a later tick. No per-review retry cap is applied here; only the
	// engine's fuses bound how often that repeats.
	if result.ErrorCode == "LLM_TIMEOUT" || result.Parsed == nil {
		return ec.Telemetry.Record(ctx, call, duration)
	}

	normalizedJSON, doc, verr := contracts.NormalizeAndValidate(contracts.SchemaXiaojingReview, result.Parsed)
	call.NormalizedJSON = normalizedJSON
	if verr != nil {
		call.ValidatorError = verr.Error()
		return ec.Telemetry.Record(ctx, call, duration)
	}
	if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
		return err
	}

	review := doc.(contracts.ReviewDoc)
	return applyDecision(ctx, ec, layout, task, reviewedArtifactID, review)
}

func buildPrompt(task planmodel.TaskNode, artifact planmodel.Artifact, body string) string {
	var b strings.Builder
	b.WriteString(sharedPreamble)
	b.WriteString("\n\n")
	b.WriteString(agentSpecific)
	b.WriteString("\n\nACCEPTANCE CRITERIA:\n")
	b.WriteString(task.AcceptanceCriteria)
	b.WriteString(fmt.Sprintf("\n\nARTIFACT (%s, version %d):\n%s\n", artifact.Name, artifact.Version, body))
	return b.String()
}

func applyDecision(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, task planmodel.TaskNode, reviewedArtifactID string, review contracts.ReviewDoc) error {
	reviewID := uuid.NewString()
	passed := review.TotalScore >= ec.Config.PlanReviewPassScore && review.ActionRequired == planmodel.ActionApprove

	err := ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		if err := ec.Store.InsertReview(ctx, tx, planmodel.Review{
			ReviewID:           reviewID,
			TaskID:             task.TaskID,
			ReviewedArtifactID: reviewedArtifactID,
			ReviewerAgent:      string(ec.Reviewer),
			TotalScore:         review.TotalScore,
			Breakdown:          review.Breakdown,
			Suggestions:        review.Suggestions,
			Summary:            review.Summary,
			ActionRequired:     review.ActionRequired,
		}); err != nil {
			return err
		}

		switch {
		case passed:
			return applyApprove(ctx, ec, tx, task, reviewedArtifactID, reviewID)
		case review.ActionRequired == planmodel.ActionRequestExternalInput:
			return applyRequestExternalInput(ctx, ec, tx, task, reviewID)
		default:
			return applyModify(ctx, ec, tx, task, reviewID)
		}
	})
	if err != nil {
		return err
	}

	return writeReviewFile(layout, task.TaskID, reviewID, passed, review)
}

// writeReviewFile persists the human-readable verdict file the workspace
// layout promises at reviews/<check_task_id>/<review_id>/{APPROVED,REJECTED}.md
// (spec §6), so a rejected task's final suggestions survive outside the DB.
func writeReviewFile(layout workspace.Layout, taskID, reviewID string, approved bool, review contracts.ReviewDoc) error {
	name := "REJECTED.md"
	if approved {
		name = "APPROVED.md"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", review.ActionRequired)
	fmt.Fprintf(&b, "Score: %.1f\n\n", review.TotalScore)
	b.WriteString("## Summary\n\n")
	b.WriteString(review.Summary)
	b.WriteString("\n")
	if len(review.Suggestions) > 0 {
		b.WriteString("\n## Suggestions\n\n")
		for _, s := range review.Suggestions {
			fmt.Fprintf(&b, "- [%s] %s\n", s.Priority, s.Change)
			for _, step := range s.Steps {
				fmt.Fprintf(&b, "  - %s\n", step)
			}
		}
	}

	path := filepath.Join(layout.ReviewDir(taskID, reviewID), name)
	_, err := workspace.WriteFile(path, []byte(b.String()))
	return err
}

func applyApprove(ctx context.Context, ec *enginectx.Context, tx *sql.Tx, task planmodel.TaskNode, reviewedArtifactID, reviewID string) error {
	if err := ec.Store.SetApprovedArtifact(ctx, tx, task.TaskID, reviewedArtifactID); err != nil {
		return err
	}

	// Re-read through tx, inside the transaction: active_artifact_id
	// may have moved if the executor produced a newer version while this
	// review was in flight. Closing that race means re-checking against the
	// task row as loaded at decision time, not the one loaded at review start.
	var currentActiveID string
	if err := tx.QueryRowContext(ctx, `SELECT active_artifact_id FROM task_nodes WHERE task_id = ?;`, task.TaskID).Scan(&currentActiveID); err != nil {
		return err
	}

	if currentActiveID == reviewedArtifactID {
		if err := ec.Store.SetStatus(ctx, tx, task.TaskID, planmodel.StatusDone, ""); err != nil {
			return err
		}
	}
	// else: a newer artifact version exists; leave the task READY_TO_CHECK
	// so the newer version gets its own review pass.

	return ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
		EventID:   uuid.NewString(),
		PlanID:    task.PlanID,
		TaskID:    task.TaskID,
		EventType: planmodel.EventReviewCreated,
		Payload: map[string]any{
			"review_id":   reviewID,
			"verdict":     string(planmodel.ActionApprove),
			"artifact_id": reviewedArtifactID,
		},
	})
}

func applyModify(ctx context.Context, ec *enginectx.Context, tx *sql.Tx, task planmodel.TaskNode, reviewID string) error {
	if err := ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
		EventID:   uuid.NewString(),
		PlanID:    task.PlanID,
		TaskID:    task.TaskID,
		EventType: planmodel.EventReviewCreated,
		Payload:   map[string]any{"review_id": reviewID, "verdict": string(planmodel.ActionModify)},
	}); err != nil {
		return err
	}

	attempt := task.AttemptCount + 1
	if err := ec.Store.IncrementAttempt(ctx, tx, task.TaskID); err != nil {
		return err
	}
	if attempt >= ec.Config.MaxTaskAttempts {
		return ec.Store.SetStatus(ctx, tx, task.TaskID, planmodel.StatusBlocked, planmodel.WaitingExternal)
	}
	return ec.Store.SetStatus(ctx, tx, task.TaskID, planmodel.StatusToBeModify, "")
}

func applyRequestExternalInput(ctx context.Context, ec *enginectx.Context, tx *sql.Tx, task planmodel.TaskNode, reviewID string) error {
	if err := ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
		EventID:   uuid.NewString(),
		PlanID:    task.PlanID,
		TaskID:    task.TaskID,
		EventType: planmodel.EventReviewCreated,
		Payload:   map[string]any{"review_id": reviewID, "verdict": string(planmodel.ActionRequestExternalInput)},
	}); err != nil {
		return err
	}
	return ec.Store.SetStatus(ctx, tx, task.TaskID, planmodel.StatusBlocked, planmodel.WaitingExternal)
}
