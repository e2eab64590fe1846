package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.UpsertPlan(context.Background(), nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	return s
}

func upsertTask(t *testing.T, s *store.Store, task planmodel.TaskNode) {
	t.Helper()
	require.NoError(t, s.UpsertTask(context.Background(), nil, task))
}

func TestPick_PrefersToBeModifyOverReady(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "ready", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, CreatedAt: base})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "modify", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusToBeModify, CreatedAt: base.Add(time.Minute)})

	task, found, err := Pick(ctx, s, "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "modify", task.TaskID)
}

func TestPick_HigherPriorityBeforeLowerWithinSameStatus(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "low", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, Priority: 1, CreatedAt: base})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "high", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, Priority: 5, CreatedAt: base.Add(time.Minute)})

	task, found, err := Pick(ctx, s, "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "high", task.TaskID)
}

func TestPick_LowerAttemptCountBeforeHigherAtSamePriority(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "retried", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, AttemptCount: 2, CreatedAt: base})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "fresh", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, AttemptCount: 0, CreatedAt: base.Add(time.Minute)})

	task, found, err := Pick(ctx, s, "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fresh", task.TaskID)
}

func TestPick_EarlierCreatedAtBreaksRemainingTies(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "later", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, CreatedAt: base.Add(time.Minute)})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "earlier", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady, CreatedAt: base})

	task, found, err := Pick(ctx, s, "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "earlier", task.TaskID)
}

func TestPick_IgnoresTasksNotInReadyOrToBeModify(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "done", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusDone})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "blocked", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusBlocked})

	_, found, err := Pick(ctx, s, "p1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestPick_IsDeterministicAcrossRepeatedCallsOnSameSnapshot(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		upsertTask(t, s, planmodel.TaskNode{
			TaskID: "t" + string(rune('a'+i)), PlanID: "p1", NodeType: planmodel.NodeAction,
			Status: planmodel.StatusReady, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	first, _, err := Pick(ctx, s, "p1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, found, err := Pick(ctx, s, "p1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, first.TaskID, again.TaskID)
	}
}

func TestPickForReview_OrdersByCreatedAtThenTaskID(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "z", PlanID: "p1", NodeType: planmodel.NodeCheck, Status: planmodel.StatusReadyToCheck, CreatedAt: base})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "a", PlanID: "p1", NodeType: planmodel.NodeCheck, Status: planmodel.StatusReadyToCheck, CreatedAt: base})
	upsertTask(t, s, planmodel.TaskNode{TaskID: "later", PlanID: "p1", NodeType: planmodel.NodeCheck, Status: planmodel.StatusReadyToCheck, CreatedAt: base.Add(time.Minute)})

	task, found, err := PickForReview(ctx, s, "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", task.TaskID) // same created_at as "z", but "a" < "z"
}

func TestPickForReview_IgnoresNonReadyToCheckTasks(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	upsertTask(t, s, planmodel.TaskNode{TaskID: "ready", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady})

	_, found, err := PickForReview(ctx, s, "p1")
	require.NoError(t, err)
	require.False(t, found)
}
