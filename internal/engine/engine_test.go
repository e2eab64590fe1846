package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/lmclient"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
	"github.com/antigravity-dev/taskforge/internal/telemetry"
)

func testEngine(t *testing.T, cfg *config.Config) (*Engine, *enginectx.Context) {
	t.Helper()
	root := t.TempDir()
	s, err := store.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg.WorkspaceRoot = root
	tel := telemetry.NewRecorder(s, telemetry.Pricing{InputPerMillion: 1, OutputPerMillion: 1})
	ec := enginectx.New(s, cfg, lmclient.New(4000, 4000), tel, lmclient.AgentClaude, lmclient.AgentCodex)
	return New(ec, nil), ec
}

func TestCheckPlanRuntimeFuse_TripsAfterConfiguredDuration(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{MaxPlanRuntimeSeconds: 60})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))

	start := time.Now().UTC()
	future := start.Add(61 * time.Second)
	ec.Now = func() time.Time { return future }

	tripped, err := e.checkPlanRuntimeFuse(ctx, "p1", start)
	require.NoError(t, err)
	require.True(t, tripped)

	events, err := ec.Store.ListEventsByPlan(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, planmodel.EventTimeout, events[0].EventType)
	require.Equal(t, "PLAN", events[0].Payload["scope"])
}

func TestCheckPlanRuntimeFuse_DoesNotTripBeforeLimit(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{MaxPlanRuntimeSeconds: 3600})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))

	tripped, err := e.checkPlanRuntimeFuse(ctx, "p1", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, tripped)
}

func TestCheckLlmCallsFuse_TripsWhenCountReachesMax(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{Guardrails: config.Guardrails{MaxLlmCallsPerRun: 1}}
	e, ec := testEngine(t, cfg)
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.InsertLlmCall(ctx, tx, planmodel.LlmCall{LlmCallID: "c1", PlanID: "p1", Agent: "claude", Scope: "EXECUTOR"})
	}))

	tripped, err := e.checkLlmCallsFuse(ctx, "p1")
	require.NoError(t, err)
	require.True(t, tripped)

	events, err := ec.Store.ListEventsByPlan(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "LLM_CALLS", events[0].Payload["scope"])
}

func TestCheckLlmCallsFuse_DisabledWhenZero(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{Guardrails: config.Guardrails{MaxLlmCallsPerRun: 0}})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))

	tripped, err := e.checkLlmCallsFuse(ctx, "p1")
	require.NoError(t, err)
	require.False(t, tripped)
}

func TestCheckIterationsFuse_TripsWhenCountReachesMax(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{Guardrails: config.Guardrails{MaxRunIterations: 3}})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))

	tripped, err := e.checkIterationsFuse(ctx, "p1", 2)
	require.NoError(t, err)
	require.False(t, tripped)

	tripped, err = e.checkIterationsFuse(ctx, "p1", 3)
	require.NoError(t, err)
	require.True(t, tripped)

	events, err := ec.Store.ListEventsByPlan(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "ITERATIONS", events[0].Payload["scope"])
}

func TestCheckIterationsFuse_DisabledWhenZero(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{Guardrails: config.Guardrails{MaxRunIterations: 0}})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))

	tripped, err := e.checkIterationsFuse(ctx, "p1", 1_000_000)
	require.NoError(t, err)
	require.False(t, tripped)
}

type recordingSender struct {
	events []planmodel.TaskEvent
}

func (r *recordingSender) Send(_ context.Context, e planmodel.TaskEvent) error {
	r.events = append(r.events, e)
	return nil
}

func TestNotifyNewEvents_ForwardsOnlyEventsNotYetSeen(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	sender := &recordingSender{}
	ec.Notifier = sender

	require.NoError(t, ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{EventID: "e1", PlanID: "p1", EventType: "STATUS_CHANGED"})
	}))
	seen := 0
	e.notifyNewEvents(ctx, "p1", &seen)
	require.Len(t, sender.events, 1)
	require.Equal(t, 1, seen)

	// A second sweep with no new events must not re-deliver e1.
	e.notifyNewEvents(ctx, "p1", &seen)
	require.Len(t, sender.events, 1)

	require.NoError(t, ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{EventID: "e2", PlanID: "p1", EventType: "STATUS_CHANGED"})
	}))
	e.notifyNewEvents(ctx, "p1", &seen)
	require.Len(t, sender.events, 2)
	require.Equal(t, "e2", sender.events[1].EventID)
}

func TestTick_ReturnsFalseWhenNothingIsPickable(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, ec.Store.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "root", PlanID: "p1", NodeType: planmodel.NodeGoal, Status: planmodel.StatusPending}))

	ran, err := e.tick(ctx, "p1")
	require.NoError(t, err)
	require.False(t, ran)
}

func TestAllTerminal_TrueWhenDoneOrBlocked(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, ec.Store.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "root", PlanID: "p1", NodeType: planmodel.NodeGoal, Status: planmodel.StatusDone}))
	require.NoError(t, ec.Store.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a1", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusBlocked, BlockedReason: planmodel.WaitingExternal}))

	done, err := e.allTerminal(ctx, "p1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestAllTerminal_FalseWhenTaskStillReady(t *testing.T) {
	ctx := context.Background()
	e, ec := testEngine(t, &config.Config{})
	require.NoError(t, ec.Store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, ec.Store.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "a1", PlanID: "p1", NodeType: planmodel.NodeAction, Status: planmodel.StatusReady}))

	done, err := e.allTerminal(ctx, "p1")
	require.NoError(t, err)
	require.False(t, done)
}
