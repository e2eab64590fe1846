// Package engine runs the main cooperative tick loop (spec §5): a fixed
// per-tick order — scan, readiness, pick, executor-or-reviewer, persist,
// emit events, advance clock — on a single thread of execution. No two LM
// calls and no two status writes ever happen concurrently.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/executor"
	"github.com/antigravity-dev/taskforge/internal/matcher"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/readiness"
	"github.com/antigravity-dev/taskforge/internal/reviewer"
	"github.com/antigravity-dev/taskforge/internal/scheduler"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

// Fuse names one of the three outer run-away guards (spec §5).
type Fuse string

const (
	FusePlanRuntime Fuse = "PLAN"
	FuseLlmCalls    Fuse = "LLM_CALLS"
	FuseIterations  Fuse = "ITERATIONS"
	// FuseTaskAttempt is applied per-task by errtaxonomy.Apply (the
	// MAX_ATTEMPTS_EXCEEDED freeze) rather than by the loop here: a single
	// task hitting its attempt cap blocks that task, not the whole plan.
	FuseTaskAttempt Fuse = "TASK"
)

// ErrFuseTripped is returned by Run when a guard fuse ends the run early.
type ErrFuseTripped struct {
	Fuse   Fuse
	PlanID string
}

func (e *ErrFuseTripped) Error() string {
	return fmt.Sprintf("engine: fuse %s tripped for plan %q", e.Fuse, e.PlanID)
}

// Engine drives one plan's executor/reviewer loop to completion or to a
// fuse trip.
type Engine struct {
	ec     *enginectx.Context
	logger *slog.Logger
}

func New(ec *enginectx.Context, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ec: ec, logger: logger}
}

// Run drives planID's ticks until every task under it is terminal
// (DONE/FAILED/ABANDONED or BLOCKED awaiting an external party), ctx is
// cancelled, or a fuse trips.
func (e *Engine) Run(ctx context.Context, planID string) error {
	start := e.ec.Now()
	layout := workspace.New(e.ec.Config.WorkspaceRoot)
	iterations := 0
	notified := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if tripped, err := e.checkPlanRuntimeFuse(ctx, planID, start); err != nil {
			return err
		} else if tripped {
			return &ErrFuseTripped{Fuse: FusePlanRuntime, PlanID: planID}
		}
		if tripped, err := e.checkLlmCallsFuse(ctx, planID); err != nil {
			return err
		} else if tripped {
			return &ErrFuseTripped{Fuse: FuseLlmCalls, PlanID: planID}
		}
		iterations++
		if tripped, err := e.checkIterationsFuse(ctx, planID, iterations); err != nil {
			return err
		} else if tripped {
			return &ErrFuseTripped{Fuse: FuseIterations, PlanID: planID}
		}

		if err := matcher.New(e.ec.Store, layout.InputsDir(), e.logger).Scan(ctx, planID); err != nil {
			return fmt.Errorf("engine: scan tick: %w", err)
		}
		if err := readiness.Recompute(ctx, e.ec.Store, planID); err != nil {
			return fmt.Errorf("engine: readiness tick: %w", err)
		}

		ranSomething, err := e.tick(ctx, planID)
		if err != nil {
			return err
		}
		e.notifyNewEvents(ctx, planID, &notified)
		if !ranSomething {
			done, err := e.allTerminal(ctx, planID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(e.ec.Config.PollIntervalSeconds) * time.Second):
			}
		}
	}
}

// tick runs exactly one executor-or-reviewer phase, reviewer candidates
// taking priority over executor candidates so a finished artifact gets
// reviewed before the next task starts executing. Reports whether any
// phase actually ran.
func (e *Engine) tick(ctx context.Context, planID string) (bool, error) {
	if task, found, err := scheduler.PickForReview(ctx, e.ec.Store, planID); err != nil {
		return false, fmt.Errorf("engine: pick for review: %w", err)
	} else if found {
		if err := reviewer.Run(ctx, e.ec, task); err != nil {
			return false, fmt.Errorf("engine: reviewer phase for task %q: %w", task.TaskID, err)
		}
		return true, nil
	}

	task, found, err := scheduler.Pick(ctx, e.ec.Store, planID)
	if err != nil {
		return false, fmt.Errorf("engine: pick: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := executor.Run(ctx, e.ec, task); err != nil {
		return false, fmt.Errorf("engine: executor phase for task %q: %w", task.TaskID, err)
	}
	return true, nil
}

func (e *Engine) allTerminal(ctx context.Context, planID string) (bool, error) {
	tasks, err := e.ec.Store.ListTasksByPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Status == planmodel.StatusBlocked {
			continue // awaiting an external party; not this engine's to resolve
		}
		if t.Status == planmodel.StatusFailed {
			continue // stays FAILED until an operator runs reset-failed
		}
		return false, nil
	}
	return true, nil
}

func (e *Engine) checkPlanRuntimeFuse(ctx context.Context, planID string, start time.Time) (bool, error) {
	limit := time.Duration(e.ec.Config.MaxPlanRuntimeSeconds) * time.Second
	if limit <= 0 || e.ec.Now().Sub(start) < limit {
		return false, nil
	}
	if err := e.emitTimeout(ctx, planID, "", string(FusePlanRuntime)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) checkLlmCallsFuse(ctx context.Context, planID string) (bool, error) {
	max := e.ec.Config.Guardrails.MaxLlmCallsPerRun
	if max <= 0 {
		return false, nil
	}
	count, err := e.ec.Store.CountLlmCallsByPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	if count < max {
		return false, nil
	}
	if err := e.emitTimeout(ctx, planID, "", string(FuseLlmCalls)); err != nil {
		return false, err
	}
	return true, nil
}

// notifyNewEvents forwards every plan event the store has accumulated since
// the last call to the configured notifier. Events are append-only and the
// engine is this plan's sole writer, so a simple seen-count cursor is
// sufficient to avoid re-delivering the same event twice. A notifier error
// is logged, never propagated: a webhook outage must not affect task state.
func (e *Engine) notifyNewEvents(ctx context.Context, planID string, seen *int) {
	if e.ec.Notifier == nil {
		return
	}
	events, err := e.ec.Store.ListEventsByPlan(ctx, planID)
	if err != nil {
		e.logger.Warn("engine: list events for notify", "error", err)
		return
	}
	for _, ev := range events[min(*seen, len(events)):] {
		if err := e.ec.Notifier.Send(ctx, ev); err != nil {
			e.logger.Warn("engine: notify webhook failed", "event_id", ev.EventID, "error", err)
		}
	}
	*seen = len(events)
}

func (e *Engine) checkIterationsFuse(ctx context.Context, planID string, iterations int) (bool, error) {
	max := e.ec.Config.Guardrails.MaxRunIterations
	if max <= 0 || iterations < max {
		return false, nil
	}
	if err := e.emitTimeout(ctx, planID, "", string(FuseIterations)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) emitTimeout(ctx context.Context, planID, taskID, scope string) error {
	return e.ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return e.ec.Store.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    planID,
			TaskID:    taskID,
			EventType: planmodel.EventTimeout,
			Payload:   map[string]any{"scope": scope},
		})
	})
}
