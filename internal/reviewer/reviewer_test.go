package reviewer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/contracts"
	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/lmclient"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
	"github.com/antigravity-dev/taskforge/internal/telemetry"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

func testEngineCtx(t *testing.T) *enginectx.Context {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		WorkspaceRoot:        root,
		MaxTaskAttempts:      3,
		PlanReviewPassScore:  90,
		Guardrails:           config.Guardrails{MaxPromptChars: 4000},
	}
	tel := telemetry.NewRecorder(s, telemetry.Pricing{InputPerMillion: 1, OutputPerMillion: 1})
	return enginectx.New(s, cfg, lmclient.New(4000, 4000), tel, lmclient.AgentClaude, lmclient.AgentCodex)
}

func setupTaskWithArtifact(t *testing.T, ec *enginectx.Context, artifactID string) planmodel.TaskNode {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, ec.Store.UpsertTask(ctx, nil, planmodel.TaskNode{
		TaskID: "t1", PlanID: "p1", NodeType: planmodel.NodeAction,
		Status: planmodel.StatusReadyToCheck, ActiveArtifactID: artifactID,
		AcceptanceCriteria: "must contain a summary",
	}))
	require.NoError(t, ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.InsertArtifact(ctx, tx, planmodel.Artifact{
			ArtifactID: artifactID, TaskID: "t1", Name: "report", Path: writeArtifactFile(t, ec, artifactID),
			Format: planmodel.FormatMarkdown, Version: 1, ContentHash: "hash",
		})
	}))
	task, err := ec.Store.GetTask(ctx, "t1")
	require.NoError(t, err)
	return task
}

func writeArtifactFile(t *testing.T, ec *enginectx.Context, artifactID string) string {
	t.Helper()
	layout := workspace.New(ec.Config.WorkspaceRoot)
	path := layout.ArtifactPath("t1", artifactID, "report.md")
	_, err := workspace.WriteFile(path, []byte("# Summary\n\nAll done."))
	require.NoError(t, err)
	return path
}

func TestApplyDecision_ApprovesAndClosesRace(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTaskWithArtifact(t, ec, "art1")

	review := contracts.ReviewDoc{TotalScore: 95, ActionRequired: planmodel.ActionApprove}
	require.NoError(t, applyDecision(ctx, ec, workspace.New(ec.Config.WorkspaceRoot), task, "art1", review))

	got, err := ec.Store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusDone, got.Status)
	require.Equal(t, "art1", got.ApprovedArtifactID)
}

func TestApplyDecision_ApproveStaysReadyToCheckWhenNewerArtifactExists(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTaskWithArtifact(t, ec, "art1")

	// executor raced ahead and produced art2 while the review was in flight
	require.NoError(t, ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		if err := ec.Store.InsertArtifact(ctx, tx, planmodel.Artifact{
			ArtifactID: "art2", TaskID: "t1", Name: "report", Path: writeArtifactFile(t, ec, "art2"),
			Format: planmodel.FormatMarkdown, Version: 2, ContentHash: "hash2",
		}); err != nil {
			return err
		}
		return ec.Store.SetActiveArtifact(ctx, tx, "t1", "art2")
	}))

	review := contracts.ReviewDoc{TotalScore: 95, ActionRequired: planmodel.ActionApprove}
	require.NoError(t, applyDecision(ctx, ec, workspace.New(ec.Config.WorkspaceRoot), task, "art1", review))

	got, err := ec.Store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusReadyToCheck, got.Status)
	require.Equal(t, "art1", got.ApprovedArtifactID)
	require.Equal(t, "art2", got.ActiveArtifactID)
}

func TestApplyDecision_ModifyIncrementsAttemptAndSetsToBeModify(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTaskWithArtifact(t, ec, "art1")

	review := contracts.ReviewDoc{TotalScore: 40, ActionRequired: planmodel.ActionModify,
		Suggestions: []planmodel.ReviewSuggestion{{Priority: planmodel.PriorityHigh, Change: "add a summary section"}}}
	require.NoError(t, applyDecision(ctx, ec, workspace.New(ec.Config.WorkspaceRoot), task, "art1", review))

	got, err := ec.Store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusToBeModify, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestApplyDecision_ModifyBlocksAtAttemptCap(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	ec.Config.MaxTaskAttempts = 1
	task := setupTaskWithArtifact(t, ec, "art1")

	review := contracts.ReviewDoc{TotalScore: 40, ActionRequired: planmodel.ActionModify,
		Suggestions: []planmodel.ReviewSuggestion{{Priority: planmodel.PriorityHigh, Change: "fix it"}}}
	require.NoError(t, applyDecision(ctx, ec, workspace.New(ec.Config.WorkspaceRoot), task, "art1", review))

	got, err := ec.Store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusBlocked, got.Status)
	require.Equal(t, planmodel.WaitingExternal, got.BlockedReason)
}

func TestApplyDecision_RequestExternalInputBlocks(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTaskWithArtifact(t, ec, "art1")

	review := contracts.ReviewDoc{TotalScore: 60, ActionRequired: planmodel.ActionRequestExternalInput,
		Suggestions: []planmodel.ReviewSuggestion{{Priority: planmodel.PriorityHigh, Change: "need the legal doc"}}}
	require.NoError(t, applyDecision(ctx, ec, workspace.New(ec.Config.WorkspaceRoot), task, "art1", review))

	got, err := ec.Store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusBlocked, got.Status)
	require.Equal(t, planmodel.WaitingExternal, got.BlockedReason)
	require.Equal(t, 0, got.AttemptCount)
}
