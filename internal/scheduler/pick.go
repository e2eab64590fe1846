package scheduler

import (
	"context"
	"sort"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

// Pick selects at most one task per tick from the union of READY and
// TO_BE_MODIFY nodes on planID, using the total order from spec §4.6:
// TO_BE_MODIFY before READY, higher priority first, lower attempt_count
// first, earlier created_at first. Given the same store snapshot, Pick
// always returns the same task_id (scheduler determinism, spec §8).
func Pick(ctx context.Context, s *store.Store, planID string) (planmodel.TaskNode, bool, error) {
	tasks, err := s.ListTasksByPlan(ctx, planID)
	if err != nil {
		return planmodel.TaskNode{}, false, err
	}

	var candidates []planmodel.TaskNode
	for _, t := range tasks {
		if t.Status == planmodel.StatusReady || t.Status == planmodel.StatusToBeModify {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return planmodel.TaskNode{}, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
	return candidates[0], true, nil
}

// PickForReview selects at most one READY_TO_CHECK task per tick, ordered
// by earlier created_at first (ties broken by task_id) so the reviewer
// phase is just as deterministic as the executor's Pick.
func PickForReview(ctx context.Context, s *store.Store, planID string) (planmodel.TaskNode, bool, error) {
	tasks, err := s.ListTasksByPlan(ctx, planID)
	if err != nil {
		return planmodel.TaskNode{}, false, err
	}

	var candidates []planmodel.TaskNode
	for _, t := range tasks {
		if t.Status == planmodel.StatusReadyToCheck {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return planmodel.TaskNode{}, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].TaskID < candidates[j].TaskID
	})
	return candidates[0], true, nil
}

func less(a, b planmodel.TaskNode) bool {
	aModify := a.Status == planmodel.StatusToBeModify
	bModify := b.Status == planmodel.StatusToBeModify
	if aModify != bModify {
		return aModify // TO_BE_MODIFY sorts first
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority // higher priority first
	}
	if a.AttemptCount != b.AttemptCount {
		return a.AttemptCount < b.AttemptCount // lower attempt_count first
	}
	return a.CreatedAt.Before(b.CreatedAt) // earlier created_at first
}
