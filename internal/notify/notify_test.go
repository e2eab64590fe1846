package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

func TestWebhookSender_PostsEventJSON(t *testing.T) {
	received := make(chan planmodel.TaskEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var e planmodel.TaskEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		received <- e
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.Client(), srv.URL)
	event := planmodel.TaskEvent{EventID: "e1", PlanID: "p1", TaskID: "t1", EventType: planmodel.EventArtifactCreated}
	require.NoError(t, sender.Send(context.Background(), event))

	got := <-received
	require.Equal(t, "e1", got.EventID)
	require.Equal(t, planmodel.EventArtifactCreated, got.EventType)
}

func TestWebhookSender_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.Client(), srv.URL)
	err := sender.Send(context.Background(), planmodel.TaskEvent{EventID: "e1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestNoopSender_NeverErrors(t *testing.T) {
	var s NoopSender
	require.NoError(t, s.Send(context.Background(), planmodel.TaskEvent{EventID: "e1"}))
}

func TestFromConfig_EmptyURLReturnsNoop(t *testing.T) {
	sender := FromConfig("")
	_, ok := sender.(NoopSender)
	require.True(t, ok)
}

func TestFromConfig_NonEmptyURLReturnsWebhookSender(t *testing.T) {
	sender := FromConfig("http://example.com/hook")
	_, ok := sender.(*WebhookSender)
	require.True(t, ok)
}
