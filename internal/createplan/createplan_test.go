package createplan

import (
	"context"
	"path/filepath"
	"strings"
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

func testEngineCtx(t *testing.T) (*enginectx.Context, workspace.Layout) {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		WorkspaceRoot:         root,
		PlanReviewPassScore:   90,
		MaxPlanGenAttempts:    3,
		MaxPlanReviewAttempts: 3,
		Guardrails:            config.Guardrails{MaxPromptChars: 4000},
	}
	tel := telemetry.NewRecorder(s, telemetry.Pricing{InputPerMillion: 1, OutputPerMillion: 1})
	ec := enginectx.New(s, cfg, lmclient.New(4000, 4000), tel, lmclient.AgentClaude, lmclient.AgentCodex)
	return ec, workspace.New(root)
}

func samplePlan(planID string) map[string]any {
	return map[string]any{
		"plan": map[string]any{"plan_id": planID, "title": "Ship feature X"},
		"nodes": []any{
			map[string]any{"task_id": "root", "node_type": "GOAL", "title": "Ship feature X"},
			map[string]any{"task_id": "a1", "node_type": "ACTION", "title": "Write the code"},
		},
		"edges": []any{
			map[string]any{"edge_type": "DECOMPOSE", "from_task_id": "root", "to_task_id": "a1"},
		},
	}
}

func TestApplyReviewDecision_ApprovedCommitsPlan(t *testing.T) {
	ctx := context.Background()
	ec, layout := testEngineCtx(t)

	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", Title: "Ship feature X"}))

	review := contracts.ReviewDoc{TotalScore: 95, ActionRequired: planmodel.ActionApprove}
	outcome, notes, err := applyReviewDecision(ctx, ec, layout, "p1", []byte(`{}`), samplePlan("p1"), review)
	require.NoError(t, err)
	require.Empty(t, notes)
	require.True(t, outcome.Approved)
	require.Equal(t, "p1", outcome.PlanID)

	plan, err := ec.Store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "root", plan.RootTaskID)

	task, err := ec.Store.GetTask(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, planmodel.NodeAction, task.NodeType)
}

func TestApplyReviewDecision_RejectedDistillsSuggestions(t *testing.T) {
	ctx := context.Background()
	ec, layout := testEngineCtx(t)
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1"}))

	review := contracts.ReviewDoc{
		TotalScore:     40,
		ActionRequired: planmodel.ActionModify,
		Suggestions: []planmodel.ReviewSuggestion{
			{Priority: planmodel.PriorityHigh, Change: "add a rollback plan"},
		},
	}
	outcome, notes, err := applyReviewDecision(ctx, ec, layout, "p1", []byte(`{}`), samplePlan("p1"), review)
	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Contains(t, notes, "add a rollback plan")

	_, err = ec.Store.GetTask(ctx, "a1")
	require.Error(t, err) // plan was never imported
}

func TestDistill_TruncatesToCap(t *testing.T) {
	long := strings.Repeat("x", 1000)
	got := distill(long)
	require.Len(t, got, maxRetryNoteChars)
}

func TestDistillSuggestions_JoinsPriorityAndChange(t *testing.T) {
	got := distillSuggestions([]planmodel.ReviewSuggestion{
		{Priority: planmodel.PriorityHigh, Change: "fix the thing"},
		{Priority: planmodel.PriorityLow, Change: "polish wording"},
	})
	require.Contains(t, got, "[HIGH] fix the thing")
	require.Contains(t, got, "[LOW] polish wording")
}
