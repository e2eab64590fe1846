package doctor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckDatabase_PassesOnFreshStore(t *testing.T) {
	s := openTestStore(t)
	findings := CheckDatabase(s)
	require.Empty(t, findings)
}

func TestCheckDatabase_FlagsMissingTable(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DB().Exec(`DROP TABLE reviews;`)
	require.NoError(t, err)

	findings := CheckDatabase(s)
	require.NotEmpty(t, findings)
	found := false
	for _, f := range findings {
		if f.Code == CodeMissingTable {
			found = true
		}
	}
	require.True(t, found)
}

func validPlanV1(t *testing.T, s *store.Store) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "root", PlanID: "p1", NodeType: planmodel.NodeGoal, Status: planmodel.StatusPending}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a1", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusPending}))
	require.NoError(t, s.Tx(ctx, func(tx *sql.Tx) error {
		return s.InsertEdge(ctx, tx, planmodel.TaskEdge{EdgeID: "e1", PlanID: "p1", EdgeType: planmodel.EdgeDecompose, FromID: "root", ToID: "a1"})
	}))
	return "p1"
}

func TestCheckPlan_PassesOnValidV1Plan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	planID := validPlanV1(t, s)

	cfg := &config.Config{WorkflowMode: config.WorkflowV1}
	findings, err := CheckPlan(ctx, s, cfg, planID)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestCheckPlan_FlagsOrphanTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	planID := validPlanV1(t, s)
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "orphan", PlanID: planID, NodeType: planmodel.NodeAction, Status: planmodel.StatusPending}))

	cfg := &config.Config{WorkflowMode: config.WorkflowV1}
	findings, err := CheckPlan(ctx, s, cfg, planID)
	require.NoError(t, err)

	found := false
	for _, f := range findings {
		if f.Code == CodeOrphanTask && f.TaskID == "orphan" {
			found = true
		}
	}
	require.True(t, found)
}

func TestCheckPlan_FlagsMissingDecomposeWhenMultipleNodes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "root", PlanID: "p1", NodeType: planmodel.NodeGoal, Status: planmodel.StatusPending}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a1", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusPending}))

	cfg := &config.Config{WorkflowMode: config.WorkflowV1}
	findings, err := CheckPlan(ctx, s, cfg, "p1")
	require.NoError(t, err)

	found := false
	for _, f := range findings {
		if f.Code == CodeMissingDecompose {
			found = true
		}
	}
	require.True(t, found)
}

func TestCheckPlan_V2RequiresDeliverableSpecAndEstimate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	planID := validPlanV1(t, s)
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{
		TaskID: "check-a1", PlanID: planID, NodeType: planmodel.NodeCheck, Status: planmodel.StatusPending, ReviewTargetTaskID: "a1",
	}))
	require.NoError(t, s.Tx(ctx, func(tx *sql.Tx) error {
		return s.InsertEdge(ctx, tx, planmodel.TaskEdge{EdgeID: "e2", PlanID: planID, EdgeType: planmodel.EdgeDecompose, FromID: "root", ToID: "check-a1"})
	}))

	cfg := &config.Config{WorkflowMode: config.WorkflowV2, OneShotThresholdPersonDays: 1.0}
	findings, err := CheckPlan(ctx, s, cfg, planID)
	require.NoError(t, err)

	var codes []Code
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	require.Contains(t, codes, CodeMissingDeliverable)
	require.Contains(t, codes, CodeMissingAcceptance)
	require.Contains(t, codes, CodeMissingEstimate)
}

func TestCheckPlan_V2FlagsEstimateOverOneShotThreshold(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "root", PlanID: "p1", NodeType: planmodel.NodeGoal, Status: planmodel.StatusPending}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{
		TaskID: "a1", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusPending,
		DeliverableSpec: "index.html", AcceptanceCriteria: "loads in a browser", EstimatedPersonDays: 5,
	}))
	require.NoError(t, s.UpsertTask(ctx, nil, planmodel.TaskNode{
		TaskID: "check-a1", PlanID: "p1", NodeType: planmodel.NodeCheck, Status: planmodel.StatusPending, ReviewTargetTaskID: "a1",
	}))
	require.NoError(t, s.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.InsertEdge(ctx, tx, planmodel.TaskEdge{EdgeID: "e1", PlanID: "p1", EdgeType: planmodel.EdgeDecompose, FromID: "root", ToID: "a1"}); err != nil {
			return err
		}
		return s.InsertEdge(ctx, tx, planmodel.TaskEdge{EdgeID: "e2", PlanID: "p1", EdgeType: planmodel.EdgeDecompose, FromID: "root", ToID: "check-a1"})
	}))

	cfg := &config.Config{WorkflowMode: config.WorkflowV2, OneShotThresholdPersonDays: 1.0}
	findings, err := CheckPlan(ctx, s, cfg, "p1")
	require.NoError(t, err)

	found := false
	for _, f := range findings {
		if f.Code == CodeEstimateTooLarge {
			found = true
		}
	}
	require.True(t, found)
}
