// Package createplan runs the CreatePlan sub-workflow (spec §4.9): a nested
// PLAN_GEN / PLAN_REVIEW attempt loop that turns a top-task goal into a
// committed plan, or fails with PLAN_NOT_APPROVED.
package createplan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/contracts"
	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/planimport"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

const maxRetryNoteChars = 500

const genPreamble = `You are the executor agent asked to produce a complete execution plan. ` +
	`Respond with a single JSON object conforming to the plan_json_v1 contract: ` +
	`{"plan": {"plan_id", "title"}, "nodes": [...], "edges": [...], "requirements": [...]}. ` +
	`Do not include any prose outside the JSON object.`

const reviewPreamble = `You are the reviewer agent asked to judge a candidate execution plan. ` +
	`Respond with a single JSON object conforming to the xiaojing_review_v1 contract. ` +
	`Judge structural soundness, completeness against the stated goal, and feasibility.`

// Outcome is the terminal result of one CreatePlan run.
type Outcome struct {
	PlanID   string
	Approved bool
	Reason   string // set when Approved is false
}

// Run drives the PLAN_GEN / PLAN_REVIEW loop for one top-task goal.
func Run(ctx context.Context, ec *enginectx.Context, topTaskGoal string) (Outcome, error) {
	layout := workspace.New(ec.Config.WorkspaceRoot)
	retryNotes := ""

	for attempt := 1; attempt <= ec.Config.MaxPlanGenAttempts; attempt++ {
		planID, rawPlan, genErr := runPlanGen(ctx, ec, topTaskGoal, retryNotes, attempt)
		if genErr != nil {
			retryNotes = distill(genErr.Error())
			continue
		}

		outcome, newNotes, err := runPlanReview(ctx, ec, layout, planID, rawPlan)
		if err != nil {
			return Outcome{}, err
		}
		if outcome.Approved {
			return outcome, nil
		}
		retryNotes = newNotes
	}

	return Outcome{Approved: false, Reason: "PLAN_NOT_APPROVED"}, nil
}

// runPlanGen invokes the executor to produce a candidate plan_json_v1
// document. On success it persists a stub plans row and back-fills plan_id
// onto the LlmCall row, per spec §4.9 step 1.
func runPlanGen(ctx context.Context, ec *enginectx.Context, topTaskGoal, retryNotes string, attempt int) (string, map[string]any, error) {
	var b strings.Builder
	b.WriteString(genPreamble)
	b.WriteString("\n\nGOAL:\n")
	b.WriteString(topTaskGoal)
	if retryNotes != "" {
		b.WriteString("\n\nPREVIOUS ATTEMPT NOTES:\n")
		b.WriteString(retryNotes)
	}
	prompt := b.String()

	timeout := time.Duration(ec.Config.LLM.TimeoutS) * time.Second
	start := ec.Now()
	result, callErr := ec.LM.Call(ctx, ec.Executor, prompt, timeout)
	duration := ec.Now().Sub(start)

	call := planmodel.LlmCall{
		LlmCallID:         uuid.NewString(),
		Agent:             string(ec.Executor),
		Scope:             "PLAN_GEN",
		PromptText:        prompt,
		ResponseText:      result.RawText,
		ErrorCode:         result.ErrorCode,
		Attempt:           attempt,
		PromptTruncated:   result.PromptTruncated,
		ResponseTruncated: result.ResponseTruncated,
	}
	if callErr != nil {
		call.ErrorMessage = callErr.Error()
	}

	if result.ErrorCode == "LLM_TIMEOUT" {
		ec.Telemetry.Record(ctx, call, duration)
		return "", nil, fmt.Errorf("plan generation timed out")
	}
	if result.Parsed == nil {
		ec.Telemetry.Record(ctx, call, duration)
		return "", nil, fmt.Errorf("plan generation response had no extractable JSON")
	}

	normalizedJSON, doc, verr := contracts.NormalizeAndValidate(contracts.SchemaPlanJSON, result.Parsed)
	call.NormalizedJSON = normalizedJSON
	if verr != nil {
		call.ValidatorError = verr.Error()
		ec.Telemetry.Record(ctx, call, duration)
		return "", nil, fmt.Errorf("plan generation produced an invalid plan: %w", verr)
	}

	planDoc := doc.(contracts.PlanDoc)
	planID := planDoc.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	call.PlanID = planID

	if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
		return "", nil, err
	}
	if err := ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		if err := ec.Store.UpsertPlan(ctx, tx, planmodel.Plan{PlanID: planID, Title: planDoc.Title}); err != nil {
			return err
		}
		return ec.Store.SetLlmCallPlanID(ctx, tx, call.LlmCallID, planID)
	}); err != nil {
		return "", nil, err
	}

	return planID, result.Parsed, nil
}

// runPlanReview runs the nested PLAN_REVIEW loop for one PLAN_GEN candidate.
// Reviewer-unparseable output retries the reviewer only, up to
// MaxPlanReviewAttempts; it never counts against the outer PLAN_GEN loop.
func runPlanReview(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, planID string, rawPlan map[string]any) (Outcome, string, error) {
	planJSON, err := json.Marshal(rawPlan)
	if err != nil {
		return Outcome{}, "", fmt.Errorf("marshal candidate plan: %w", err)
	}

	for reviewAttempt := 1; reviewAttempt <= ec.Config.MaxPlanReviewAttempts; reviewAttempt++ {
		review, ok, err := invokePlanReviewer(ctx, ec, planID, string(planJSON), reviewAttempt)
		if err != nil {
			return Outcome{}, "", err
		}
		if !ok {
			continue // reviewer output was structurally invalid; retry reviewer only
		}

		return applyReviewDecision(ctx, ec, layout, planID, planJSON, rawPlan, review)
	}

	return Outcome{}, distill("plan review could not produce a structurally valid verdict"), nil
}

// applyReviewDecision implements spec §4.9 step 2's outcome: commit the
// plan on an approving, passing verdict; otherwise emit PLAN_REVIEWED and
// distill a remediation note for the next PLAN_GEN attempt.
func applyReviewDecision(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, planID string, planJSON []byte, rawPlan map[string]any, review contracts.ReviewDoc) (Outcome, string, error) {
	passed := review.TotalScore >= ec.Config.PlanReviewPassScore && review.ActionRequired == planmodel.ActionApprove
	if passed {
		if _, err := planimport.Import(ctx, ec.Store, rawPlan); err != nil {
			return Outcome{}, "", fmt.Errorf("commit approved plan %s: %w", planID, err)
		}
		if _, err := workspace.WriteFile(layout.PlanMetaPath(planID), planJSON); err != nil {
			return Outcome{}, "", fmt.Errorf("write plan meta for %s: %w", planID, err)
		}
		if err := ec.Store.Tx(ctx, func(tx *sql.Tx) error {
			return ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
				EventID:   uuid.NewString(),
				PlanID:    planID,
				EventType: planmodel.EventPlanApproved,
				Payload:   map[string]any{"total_score": review.TotalScore},
			})
		}); err != nil {
			return Outcome{}, "", err
		}
		return Outcome{PlanID: planID, Approved: true}, "", nil
	}

	if err := ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    planID,
			EventType: planmodel.EventPlanReviewed,
			Payload:   map[string]any{"total_score": review.TotalScore, "action_required": string(review.ActionRequired)},
		})
	}); err != nil {
		return Outcome{}, "", err
	}
	return Outcome{}, distillSuggestions(review.Suggestions), nil
}

func invokePlanReviewer(ctx context.Context, ec *enginectx.Context, planID, planJSON string, reviewAttempt int) (contracts.ReviewDoc, bool, error) {
	prompt := reviewPreamble + "\n\nCANDIDATE PLAN:\n" + planJSON

	timeout := time.Duration(ec.Config.LLM.TimeoutS) * time.Second
	start := ec.Now()
	result, callErr := ec.LM.Call(ctx, ec.Reviewer, prompt, timeout)
	duration := ec.Now().Sub(start)

	call := planmodel.LlmCall{
		LlmCallID:         uuid.NewString(),
		PlanID:            planID,
		Agent:             string(ec.Reviewer),
		Scope:             "PLAN_REVIEW",
		PromptText:        prompt,
		ResponseText:      result.RawText,
		ErrorCode:         result.ErrorCode,
		ReviewAttempt:     reviewAttempt,
		PromptTruncated:   result.PromptTruncated,
		ResponseTruncated: result.ResponseTruncated,
	}
	if callErr != nil {
		call.ErrorMessage = callErr.Error()
	}

	if result.ErrorCode == "LLM_TIMEOUT" || result.Parsed == nil {
		ec.Telemetry.Record(ctx, call, duration)
		return contracts.ReviewDoc{}, false, nil
	}

	normalizedJSON, doc, verr := contracts.NormalizeAndValidate(contracts.SchemaXiaojingReview, result.Parsed)
	call.NormalizedJSON = normalizedJSON
	if verr != nil {
		call.ValidatorError = verr.Error()
		ec.Telemetry.Record(ctx, call, duration)
		return contracts.ReviewDoc{}, false, nil
	}
	if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
		return contracts.ReviewDoc{}, false, err
	}

	return doc.(contracts.ReviewDoc), true, nil
}

// distillSuggestions turns reviewer suggestions into a short remediation
// note for the next PLAN_GEN attempt. Raw reviewer JSON must never reach
// the top-task prompt (spec §4.9 step 2).
func distillSuggestions(suggestions []planmodel.ReviewSuggestion) string {
	var parts []string
	for _, s := range suggestions {
		parts = append(parts, fmt.Sprintf("[%s] %s", s.Priority, s.Change))
	}
	return distill(strings.Join(parts, "; "))
}

func distill(note string) string {
	if len(note) <= maxRetryNoteChars {
		return note
	}
	return note[:maxRetryNoteChars]
}
