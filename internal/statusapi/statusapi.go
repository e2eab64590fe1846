// Package statusapi is the read-only HTTP surface behind the dashboard the
// spec treats as an external collaborator: it snapshot-reads the Store and
// never mutates anything, matching the concurrency model's allowance for
// read-only external observers (spec §5).
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/taskforge/internal/store"
)

// Server is the status API's HTTP server.
type Server struct {
	store      *store.Store
	logger     *slog.Logger
	addr       string
	startTime  time.Time
	httpServer *http.Server
}

// NewServer constructs a status API bound to addr (e.g. "127.0.0.1:8088").
func NewServer(s *store.Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, addr: addr, logger: logger, startTime: time.Now()}
}

// Handler builds the route table. Exposed separately from Start so tests
// can exercise it with httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/plans", s.handlePlans)
	mux.HandleFunc("/plans/", s.handlePlanDetail)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/llm-calls", s.handleLlmCalls)
	return mux
}

// Start begins listening. Blocks until ctx is cancelled, then shuts down
// gracefully within a fixed grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("status api starting", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"uptime_s":   time.Since(s.startTime).Seconds(),
		"plan_count": len(plans),
	})
}

// GET /plans
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, plans)
}

// GET /plans/{plan_id}
func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimPrefix(r.URL.Path, "/plans/")
	if planID == "" {
		writeError(w, http.StatusBadRequest, "plan id is required")
		return
	}

	plan, err := s.store.GetPlan(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("plan %q not found", planID))
		return
	}
	tasks, err := s.store.ListTasksByPlan(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	edges, err := s.store.ListEdgesByPlan(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{"plan": plan, "tasks": tasks, "edges": edges})
}

// GET /events?since=<RFC3339>&plan_id=<id>&task_id=<id>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if taskID := q.Get("task_id"); taskID != "" {
		events, err := s.store.ListEventsByTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, events)
		return
	}
	if planID := q.Get("plan_id"); planID != "" {
		events, err := s.store.ListEventsByPlan(r.Context(), planID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, events)
		return
	}

	since := time.Unix(0, 0).UTC()
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	events, err := s.store.ListEventsSince(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, events)
}

// GET /llm-calls?plan_id=<id>&task_id=<id>
func (s *Server) handleLlmCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if taskID := q.Get("task_id"); taskID != "" {
		calls, err := s.store.ListLlmCallsByTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, calls)
		return
	}

	planID := q.Get("plan_id")
	if planID == "" {
		writeError(w, http.StatusBadRequest, "plan_id or task_id is required")
		return
	}
	calls, err := s.store.ListLlmCallsByPlan(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if limitRaw := q.Get("limit"); limitRaw != "" {
		limit, err := strconv.Atoi(limitRaw)
		if err == nil && limit >= 0 && limit < len(calls) {
			calls = calls[len(calls)-limit:]
		}
	}
	writeJSON(w, calls)
}
