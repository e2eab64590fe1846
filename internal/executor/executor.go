// Package executor runs the executor phase (spec §4.7): assembles the
// prompt for a scheduled ACTION task, invokes the LM, and applies the
// result_type branch — write an artifact, ask for input, no-op, or apply
// the error-mapping table.
package executor

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
	"github.com/antigravity-dev/taskforge/internal/errtaxonomy"
	"github.com/antigravity-dev/taskforge/internal/matcher"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

const sharedPreamble = `You are the executor agent in a task-execution engine. You receive one ` +
	`task at a time and must respond with a single JSON object conforming to the ` +
	`xiaobo_action_v1 contract: {"result_type": "ARTIFACT"|"NEEDS_INPUT"|"NOOP"|"ERROR", ...}. ` +
	`Do not include any prose outside the JSON object.`

const agentSpecific = `Produce exactly one deliverable per ARTIFACT response. If required input is ` +
	`missing, respond with NEEDS_INPUT and name every missing document. Never fabricate ` +
	`file contents you were not given.`

// Run executes one executor pass on task, a READY or TO_BE_MODIFY ACTION.
func Run(ctx context.Context, ec *enginectx.Context, task planmodel.TaskNode) error {
	layout := workspace.New(ec.Config.WorkspaceRoot)

	runtimeCtx, err := buildRuntimeContext(ctx, ec, layout, task)
	if err != nil {
		return fmt.Errorf("executor: build runtime context for %s: %w", task.TaskID, err)
	}

	prompt := sharedPreamble + "\n\n" + agentSpecific + "\n\n" + runtimeCtx

	timeout := time.Duration(ec.Config.LLM.TimeoutS) * time.Second
	start := ec.Now()
	result, callErr := ec.LM.Call(ctx, ec.Executor, prompt, timeout)
	duration := ec.Now().Sub(start)

	call := planmodel.LlmCall{
		LlmCallID:         uuid.NewString(),
		PlanID:            task.PlanID,
		TaskID:            task.TaskID,
		Agent:             string(ec.Executor),
		Scope:             "EXECUTOR",
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

	if result.ErrorCode == "LLM_TIMEOUT" {
		if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
			return err
		}
		return errtaxonomy.Apply(ctx, ec.Store, task, errtaxonomy.LLMTimeout, "executor call timed out", false, ec.Config.MaxTaskAttempts)
	}

	if result.Parsed == nil {
		if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
			return err
		}
		return errtaxonomy.Apply(ctx, ec.Store, task, errtaxonomy.LLMUnparseable, "executor response had no extractable JSON", false, ec.Config.MaxTaskAttempts)
	}

	normalizedJSON, doc, verr := contracts.NormalizeAndValidate(contracts.SchemaXiaoboAction, result.Parsed)
	call.NormalizedJSON = normalizedJSON
	if verr != nil {
		call.ValidatorError = verr.Error()
		if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
			return err
		}
		return errtaxonomy.Apply(ctx, ec.Store, task, errtaxonomy.LLMUnparseable, verr.Error(), false, ec.Config.MaxTaskAttempts)
	}

	if err := ec.Telemetry.Record(ctx, call, duration); err != nil {
		return err
	}

	action := doc.(contracts.ActionDoc)
	return applyAction(ctx, ec, layout, task, action)
}

func applyAction(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, task planmodel.TaskNode, action contracts.ActionDoc) error {
	switch action.ResultType {
	case planmodel.ResultArtifact:
		return applyArtifact(ctx, ec, layout, task, action)
	case planmodel.ResultNeedsInput:
		return applyNeedsInput(ctx, ec, layout, task, action)
	case planmodel.ResultNoop:
		return nil
	case planmodel.ResultError:
		return errtaxonomy.Apply(ctx, ec.Store, task, errtaxonomy.Code(action.ErrorCode), action.ErrorMessage, false, ec.Config.MaxTaskAttempts)
	default:
		return errtaxonomy.Apply(ctx, ec.Store, task, errtaxonomy.LLMUnparseable, "unknown result_type", false, ec.Config.MaxTaskAttempts)
	}
}

func applyArtifact(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, task planmodel.TaskNode, action contracts.ActionDoc) error {
	artifactID := uuid.NewString()
	filename := action.ArtifactName
	if filepath.Ext(filename) == "" {
		filename = filename + "." + string(action.ArtifactFormat)
	}
	path := layout.ArtifactPath(task.TaskID, artifactID, filename)
	hash, err := workspace.WriteFile(path, []byte(action.ArtifactBody))
	if err != nil {
		return fmt.Errorf("executor: write artifact for %s: %w", task.TaskID, err)
	}

	return ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		version, err := ec.Store.NextArtifactVersion(ctx, tx, task.TaskID)
		if err != nil {
			return err
		}
		artifact := planmodel.Artifact{
			ArtifactID:  artifactID,
			TaskID:      task.TaskID,
			Name:        action.ArtifactName,
			Path:        path,
			Format:      action.ArtifactFormat,
			Version:     version,
			ContentHash: hash,
		}
		if err := ec.Store.InsertArtifact(ctx, tx, artifact); err != nil {
			return err
		}
		if err := ec.Store.SetActiveArtifact(ctx, tx, task.TaskID, artifactID); err != nil {
			return err
		}
		if err := ec.Store.SetStatus(ctx, tx, task.TaskID, planmodel.StatusReadyToCheck, ""); err != nil {
			return err
		}
		return ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    task.PlanID,
			TaskID:    task.TaskID,
			EventType: planmodel.EventArtifactCreated,
			Payload: map[string]any{
				"artifact_id": artifactID,
				"version":     version,
				"content_hash": hash,
			},
		})
	})
}

func applyNeedsInput(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, task planmodel.TaskNode, action contracts.ActionDoc) error {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Required input for %s\n\n", task.Title))
	for _, doc := range action.NeededDocs {
		b.WriteString(fmt.Sprintf("- **%s** — suggested path: `%s`\n", doc.Name, doc.SuggestedPath))
		if doc.Reason != "" {
			b.WriteString(fmt.Sprintf("  reason: %s\n", doc.Reason))
		}
	}
	if _, err := workspace.WriteFile(layout.RequiredDocsPath(task.TaskID), []byte(b.String())); err != nil {
		return fmt.Errorf("executor: write required_docs for %s: %w", task.TaskID, err)
	}
	return ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.SetStatus(ctx, tx, task.TaskID, planmodel.StatusBlocked, planmodel.WaitingInput)
	})
}

// buildRuntimeContext assembles the [RuntimeContext] prompt segment: the
// task's goal, its input evidence (capped), the previous review's
// suggestions if the task is being retried, and approved upstream
// artifacts.
func buildRuntimeContext(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, task planmodel.TaskNode) (string, error) {
	var b strings.Builder

	b.WriteString("GOAL:\n")
	b.WriteString(task.Title)
	b.WriteString("\n")
	if task.DeliverableSpec != "" {
		b.WriteString(fmt.Sprintf("\nDELIVERABLE SPEC:\n%s\n", task.DeliverableSpec))
	}
	if task.AcceptanceCriteria != "" {
		b.WriteString(fmt.Sprintf("\nACCEPTANCE CRITERIA:\n%s\n", task.AcceptanceCriteria))
	}

	if err := writeInputEvidence(ctx, ec, layout, task, &b); err != nil {
		return "", err
	}

	if task.Status == planmodel.StatusToBeModify {
		if err := writePreviousReview(ctx, ec, task, &b); err != nil {
			return "", err
		}
	}

	if err := writeUpstreamArtifacts(ctx, ec, task, &b); err != nil {
		return "", err
	}

	return b.String(), nil
}

func writeInputEvidence(ctx context.Context, ec *enginectx.Context, layout workspace.Layout, task planmodel.TaskNode, b *strings.Builder) error {
	reqs, err := ec.Store.ListRequirementsByTask(ctx, task.TaskID)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}
	b.WriteString("\nINPUT EVIDENCE:\n")
	for _, req := range reqs {
		evidence, err := ec.Store.ListEvidenceByRequirement(ctx, req.RequirementID)
		if err != nil {
			return err
		}
		chosen, ok := matcher.ChooseContext(evidence)
		if !ok {
			b.WriteString(fmt.Sprintf("- %s: (no evidence yet)\n", req.Name))
			continue
		}
		text, truncated, err := workspace.ReadCapped(chosen.SourcePath, ec.Config.Guardrails.MaxPromptChars/4)
		if err != nil {
			b.WriteString(fmt.Sprintf("- %s: (evidence file unreadable: %s)\n", req.Name, chosen.SourcePath))
			continue
		}
		b.WriteString(fmt.Sprintf("- %s (%s):\n%s\n", req.Name, chosen.SourcePath, text))
		if truncated {
			b.WriteString("  [truncated]\n")
		}
	}
	return nil
}

func writePreviousReview(ctx context.Context, ec *enginectx.Context, task planmodel.TaskNode, b *strings.Builder) error {
	review, found, err := ec.Store.LatestReview(ctx, task.TaskID)
	if err != nil || !found {
		return err
	}
	b.WriteString("\nPREVIOUS REVIEW SUGGESTIONS:\n")
	for _, s := range review.Suggestions {
		b.WriteString(fmt.Sprintf("- [%s] %s\n", s.Priority, s.Change))
	}
	return nil
}

func writeUpstreamArtifacts(ctx context.Context, ec *enginectx.Context, task planmodel.TaskNode, b *strings.Builder) error {
	preds, err := ec.Store.DependsOnPredecessors(ctx, task.TaskID)
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		return nil
	}
	b.WriteString("\nAPPROVED UPSTREAM ARTIFACTS:\n")
	for _, predID := range preds {
		pred, err := ec.Store.GetTask(ctx, predID)
		if err != nil || pred.ApprovedArtifactID == "" {
			continue
		}
		artifact, err := ec.Store.GetArtifact(ctx, pred.ApprovedArtifactID)
		if err != nil {
			continue
		}
		text, _, err := workspace.ReadCapped(artifact.Path, ec.Config.Guardrails.MaxPromptChars/4)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("- %s (from %s):\n%s\n", artifact.Name, pred.Title, text))
	}
	return nil
}
