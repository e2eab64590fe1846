package errtaxonomy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertPlan(context.Background(), nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	return s
}

func TestApply_LLMUnparseableMarksFailedAndIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a", PlanID: "p1", NodeType: planmodel.NodeAction}))

	task, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, s, task, LLMUnparseable, "bad json", false, 3))

	got, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusFailed, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestApply_FreezesAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a", PlanID: "p1", NodeType: planmodel.NodeAction, AttemptCount: 2}))

	task, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, s, task, LLMTimeout, "timed out", false, 3))

	got, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusBlocked, got.Status)
	require.Equal(t, planmodel.WaitingExternal, got.BlockedReason)
	require.Equal(t, 3, got.AttemptCount)
}

func TestApply_InputMissingDoesNotIncrementAttempt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a", PlanID: "p1", NodeType: planmodel.NodeAction}))

	task, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, s, task, InputMissing, "missing spec", false, 3))

	got, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, planmodel.StatusBlocked, got.Status)
	require.Equal(t, planmodel.WaitingInput, got.BlockedReason)
	require.Equal(t, 0, got.AttemptCount)
}
