package skillrunner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/lmclient"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
	"github.com/antigravity-dev/taskforge/internal/telemetry"
)

func testEngineCtx(t *testing.T) *enginectx.Context {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{WorkspaceRoot: root, SkillTimeoutSeconds: 5, MaxTaskAttempts: 3}
	tel := telemetry.NewRecorder(s, telemetry.Pricing{InputPerMillion: 1, OutputPerMillion: 1})
	return enginectx.New(s, cfg, lmclient.New(4000, 4000), tel, lmclient.AgentClaude, lmclient.AgentCodex)
}

func setupTask(t *testing.T, ec *enginectx.Context) planmodel.TaskNode {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	task := planmodel.TaskNode{TaskID: "a1", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusInProgress}
	require.NoError(t, ec.Store.UpsertTask(ctx, nil, task))
	return task
}

type fakeRunner struct {
	calls   int
	outputs map[string]string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, req Request) (Result, error) {
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Outputs: f.outputs}, nil
}

func TestIdempotencyKey_StableRegardlessOfMapOrder(t *testing.T) {
	req1 := Request{
		SkillName:   "pdf_extract",
		InputHashes: map[string]string{"a": "h1", "b": "h2"},
		Params:      map[string]string{"x": "1", "y": "2"},
	}
	req2 := Request{
		SkillName:   "pdf_extract",
		InputHashes: map[string]string{"b": "h2", "a": "h1"},
		Params:      map[string]string{"y": "2", "x": "1"},
	}
	require.Equal(t, IdempotencyKey(req1), IdempotencyKey(req2))
}

func TestIdempotencyKey_DiffersOnDifferentInputs(t *testing.T) {
	req1 := Request{SkillName: "pdf_extract", InputHashes: map[string]string{"a": "h1"}}
	req2 := Request{SkillName: "pdf_extract", InputHashes: map[string]string{"a": "h2"}}
	require.NotEqual(t, IdempotencyKey(req1), IdempotencyKey(req2))
}

func TestInvoke_SucceedsAndPersistsSkillRun(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTask(t, ec)

	runner := &fakeRunner{outputs: map[string]string{"stdout": "extracted text"}}
	req := Request{TaskID: task.TaskID, SkillName: "pdf_extract", InputHashes: map[string]string{"doc": "abc123"}}

	result, err := Invoke(ctx, ec, task, runner, req)
	require.NoError(t, err)
	require.Equal(t, "extracted text", result.Outputs["stdout"])
	require.Equal(t, 1, runner.calls)

	prior, found, err := ec.Store.GetSkillRunByIdempotencyKey(ctx, IdempotencyKey(req))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "SUCCEEDED", prior.Status)
}

func TestInvoke_ReusesPriorSuccessWithoutCallingRunnerAgain(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTask(t, ec)

	runner := &fakeRunner{outputs: map[string]string{"stdout": "extracted text"}}
	req := Request{TaskID: task.TaskID, SkillName: "pdf_extract", InputHashes: map[string]string{"doc": "abc123"}}

	_, err := Invoke(ctx, ec, task, runner, req)
	require.NoError(t, err)

	result, err := Invoke(ctx, ec, task, runner, req)
	require.NoError(t, err)
	require.Equal(t, "extracted text", result.Outputs["stdout"])
	require.Equal(t, 1, runner.calls, "second call should reuse the cached SkillRun, not invoke the runner again")
}

func TestInvoke_BadInputBlocksTaskOnWaitingInput(t *testing.T) {
	ctx := context.Background()
	ec := testEngineCtx(t)
	task := setupTask(t, ec)

	runner := NoopRunner{}
	req := Request{TaskID: task.TaskID, SkillName: "pdf_extract", InputHashes: map[string]string{"doc": "abc123"}}

	_, err := Invoke(ctx, ec, task, &runner, req)
	require.NoError(t, err)

	updated, err := ec.Store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusBlocked, updated.Status)
	require.Equal(t, planmodel.WaitingInput, updated.BlockedReason)
}
