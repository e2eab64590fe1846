package statusapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewServer(s, "127.0.0.1:0", nil)
}

func TestHandleStatus_ReportsPlanCount(t *testing.T) {
	ctx := context.Background()
	srv := testServer(t)
	require.NoError(t, srv.store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(1), body["plan_count"])
}

func TestHandlePlanDetail_ReturnsTasksAndEdges(t *testing.T) {
	ctx := context.Background()
	srv := testServer(t)
	require.NoError(t, srv.store.UpsertPlan(ctx, nil, planmodel.Plan{PlanID: "p1", RootTaskID: "root"}))
	require.NoError(t, srv.store.UpsertTask(ctx, nil, planmodel.TaskNode{TaskID: "root", PlanID: "p1", NodeType: planmodel.NodeGoal}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/plans/p1", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body["plan"])
	require.Len(t, body["tasks"], 1)
}

func TestHandlePlanDetail_UnknownPlanIs404(t *testing.T) {
	srv := testServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/plans/missing", nil)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestHandleEvents_FiltersByTaskID(t *testing.T) {
	ctx := context.Background()
	srv := testServer(t)
	require.NoError(t, srv.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := srv.store.AppendEvent(ctx, tx, planmodel.TaskEvent{EventID: "e1", TaskID: "t1", EventType: planmodel.EventArtifactCreated}); err != nil {
			return err
		}
		return srv.store.AppendEvent(ctx, tx, planmodel.TaskEvent{EventID: "e2", TaskID: "t2", EventType: planmodel.EventArtifactCreated})
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/events?task_id=t1", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var events []planmodel.TaskEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, "e1", events[0].EventID)
}
