// Package readiness recomputes task status on every engine tick: resolving
// prerequisite and input satisfaction into READY/BLOCKED transitions, and
// aggregating GOAL nodes from their DECOMPOSE children.
package readiness

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

// Recompute runs a single full sweep over every task in planID, writing any
// status transition it finds and emitting STATUS_CHANGED for each one.
func Recompute(ctx context.Context, s *store.Store, planID string) error {
	tasks, err := s.ListTasksByPlan(ctx, planID)
	if err != nil {
		return err
	}

	byID := make(map[string]planmodel.TaskNode, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	for _, t := range tasks {
		// FAILED waits for an operator's reset-failed; TO_BE_MODIFY waits for
		// the executor to rework it against the review's suggestions.
		if t.Status.Terminal() || t.Status == planmodel.StatusReadyToCheck ||
			t.Status == planmodel.StatusFailed || t.Status == planmodel.StatusToBeModify {
			continue
		}
		if t.NodeType == planmodel.NodeGoal {
			continue // goals are aggregated in the second pass below
		}
		if err := recomputeTask(ctx, s, planID, t); err != nil {
			return err
		}
	}

	// GOAL aggregation runs after ACTION/CHECK transitions so a goal can see
	// its children's freshly written statuses within the same sweep.
	refreshed, err := s.ListTasksByPlan(ctx, planID)
	if err != nil {
		return err
	}
	refreshedByID := make(map[string]planmodel.TaskNode, len(refreshed))
	for _, t := range refreshed {
		refreshedByID[t.TaskID] = t
	}
	for _, t := range refreshed {
		if t.NodeType != planmodel.NodeGoal || t.Status.Terminal() {
			continue
		}
		if err := recomputeGoal(ctx, s, planID, t, refreshedByID); err != nil {
			return err
		}
	}

	return nil
}

func recomputeTask(ctx context.Context, s *store.Store, planID string, t planmodel.TaskNode) error {
	prereqsDone, err := prerequisitesSatisfied(ctx, s, t.TaskID)
	if err != nil {
		return err
	}
	inputsOK, reason, err := inputsSatisfied(ctx, s, t.TaskID)
	if err != nil {
		return err
	}

	var newStatus planmodel.TaskStatus
	var blockedReason planmodel.BlockedReason
	if prereqsDone && inputsOK {
		newStatus = planmodel.StatusReady
	} else {
		newStatus = planmodel.StatusBlocked
		switch {
		case !inputsOK:
			blockedReason = reason
		case !prereqsDone:
			blockedReason = planmodel.WaitingExternal
		}
	}

	if newStatus == t.Status && blockedReason == t.BlockedReason {
		return nil
	}
	return writeTransition(ctx, s, planID, t.TaskID, t.Status, newStatus, blockedReason)
}

// prerequisitesSatisfied reports whether every DEPENDS_ON predecessor of
// taskID is DONE.
func prerequisitesSatisfied(ctx context.Context, s *store.Store, taskID string) (bool, error) {
	predecessors, err := s.DependsOnPredecessors(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, predID := range predecessors {
		pred, err := s.GetTask(ctx, predID)
		if err != nil {
			return false, err
		}
		if pred.Status != planmodel.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// inputsSatisfied reports whether every required InputRequirement on taskID
// has at least MinCount evidence rows, and if not, the BlockedReason that
// best explains why (spec §4.5 priority: WAITING_INPUT > WAITING_SKILL >
// WAITING_EXTERNAL).
func inputsSatisfied(ctx context.Context, s *store.Store, taskID string) (bool, planmodel.BlockedReason, error) {
	reqs, err := s.ListRequirementsByTask(ctx, taskID)
	if err != nil {
		return false, "", err
	}

	anyUnmet := false
	anyNonSkillUnmet := false
	for _, r := range reqs {
		if !r.Required {
			continue
		}
		evidence, err := s.ListEvidenceByRequirement(ctx, r.RequirementID)
		if err != nil {
			return false, "", err
		}
		if len(evidence) < r.MinCount {
			anyUnmet = true
			if r.Kind != planmodel.KindSkillOutput {
				anyNonSkillUnmet = true
			}
		}
	}
	switch {
	case anyNonSkillUnmet:
		return false, planmodel.WaitingInput, nil
	case anyUnmet:
		return false, planmodel.WaitingSkill, nil
	default:
		return true, "", nil
	}
}

// recomputeGoal aggregates a GOAL node: DONE once all AND children are DONE
// (or any child for OR), via its DECOMPOSE edges.
func recomputeGoal(ctx context.Context, s *store.Store, planID string, goal planmodel.TaskNode, byID map[string]planmodel.TaskNode) error {
	children, err := s.DecomposeChildren(ctx, goal.TaskID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}

	done := false
	switch children[0].AndOr {
	case planmodel.OrFanout:
		for _, c := range children {
			if child, ok := byID[c.TaskID]; ok && child.Status == planmodel.StatusDone {
				done = true
				break
			}
		}
	default: // AND is the default fan-out
		done = true
		for _, c := range children {
			child, ok := byID[c.TaskID]
			if !ok || child.Status != planmodel.StatusDone {
				done = false
				break
			}
		}
	}

	if !done || goal.Status == planmodel.StatusDone {
		return nil
	}
	return writeTransition(ctx, s, planID, goal.TaskID, goal.Status, planmodel.StatusDone, "")
}

func writeTransition(ctx context.Context, s *store.Store, planID, taskID string, before, after planmodel.TaskStatus, reason planmodel.BlockedReason) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.SetStatus(ctx, tx, taskID, after, reason); err != nil {
			return err
		}
		payload := map[string]any{"before": string(before), "after": string(after)}
		if reason != "" {
			payload["reason"] = string(reason)
		}
		return s.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    planID,
			TaskID:    taskID,
			EventType: planmodel.EventStatusChanged,
			Payload:   payload,
		})
	})
}
