// Package planimport takes a plan_json_v1 document, normalizes and validates
// it, and commits it to the store: the plan row and every task node, edge and
// requirement, all within one transaction. Plan, task and requirement rows
// are upserted by id; an edge whose edge_id already exists is skipped.
// Nothing downstream ever imports a half-written plan.
package planimport

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/contracts"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

// InvalidPlanError wraps a PLAN_INVALID rejection with the specific
// violated invariant.
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("%s: %s", planmodel.ErrPlanInvalid, e.Reason)
}

// Import normalizes+validates raw (already-decoded JSON), checks plan
// invariants, and upserts every entity transactionally. planID is generated
// if doc.PlanID is empty.
func Import(ctx context.Context, s *store.Store, raw map[string]any) (planmodel.Plan, error) {
	normalizedJSON, anyDoc, err := contracts.NormalizeAndValidate(contracts.SchemaPlanJSON, raw)
	_ = normalizedJSON
	if err != nil {
		return planmodel.Plan{}, err
	}
	doc := anyDoc.(contracts.PlanDoc)

	if err := checkInvariants(doc); err != nil {
		return planmodel.Plan{}, err
	}

	planID := doc.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	rootID := findRoot(doc)

	plan := planmodel.Plan{
		PlanID:     planID,
		Title:      doc.Title,
		OwnerAgent: doc.OwnerAgent,
		RootTaskID: rootID,
		Priority:   doc.Priority,
	}

	err = s.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.UpsertPlan(ctx, tx, plan); err != nil {
			return err
		}
		for _, n := range doc.Nodes {
			task := planmodel.TaskNode{
				TaskID:              n.TaskID,
				PlanID:              planID,
				NodeType:            planmodel.NodeType(n.NodeType),
				Title:               n.Title,
				OwnerAgent:          n.OwnerAgent,
				Priority:            n.Priority,
				Status:              planmodel.StatusPending,
				EstimatedPersonDays: n.EstimatedPersonDays,
				DeliverableSpec:     n.DeliverableSpec,
				AcceptanceCriteria:  n.AcceptanceCriteria,
				ReviewTargetTaskID:  n.ReviewTargetTaskID,
			}
			if err := s.UpsertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		for _, e := range doc.Edges {
			edge := planmodel.TaskEdge{
				EdgeID:   e.EdgeID,
				PlanID:   planID,
				EdgeType: planmodel.EdgeType(e.EdgeType),
				FromID:   e.FromID,
				ToID:     e.ToID,
				AndOr:    planmodel.AndOr(e.AndOr),
				GroupID:  e.GroupID,
			}
			if err := s.InsertEdge(ctx, tx, edge); err != nil {
				return err
			}
		}
		for i, r := range doc.Requirements {
			reqID := r.RequirementID
			if reqID == "" {
				reqID = fmt.Sprintf("req-%s-%d", r.TaskID, i)
			}
			requirement := planmodel.InputRequirement{
				RequirementID:    reqID,
				TaskID:           r.TaskID,
				Name:             r.Name,
				Kind:             planmodel.RequirementKind(r.Kind),
				Required:         r.Required,
				MinCount:         r.MinCount,
				AllowedTypes:     r.AllowedTypes,
				Source:           planmodel.RequirementSource(r.Source),
				FilenameKeywords: r.FilenameKeywords,
			}
			if err := s.UpsertRequirement(ctx, tx, requirement); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return planmodel.Plan{}, fmt.Errorf("commit plan %q: %w", planID, err)
	}

	return plan, nil
}

func findRoot(doc contracts.PlanDoc) string {
	for _, n := range doc.Nodes {
		if n.NodeType == string(planmodel.NodeGoal) {
			return n.TaskID
		}
	}
	if len(doc.Nodes) > 0 {
		return doc.Nodes[0].TaskID
	}
	return ""
}

// checkInvariants enforces spec §4.3: cycle on DEPENDS_ON, root absent,
// orphan edge, unknown edge/node type (the last already caught by
// contracts validation, re-checked here defensively).
func checkInvariants(doc contracts.PlanDoc) error {
	if len(doc.Nodes) == 0 {
		return &InvalidPlanError{Reason: "plan has no nodes"}
	}

	nodeIDs := make(map[string]planmodel.NodeType, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodeIDs[n.TaskID] = planmodel.NodeType(n.NodeType)
	}

	rootID := findRoot(doc)
	if rootID == "" {
		return &InvalidPlanError{Reason: "plan has no root task"}
	}
	if nodeIDs[rootID] != planmodel.NodeGoal {
		return &InvalidPlanError{Reason: fmt.Sprintf("root task %q is not a GOAL node", rootID)}
	}

	hasAction := false
	for _, t := range nodeIDs {
		if t == planmodel.NodeAction {
			hasAction = true
			break
		}
	}
	if !hasAction {
		return &InvalidPlanError{Reason: "plan has no ACTION node"}
	}

	dependsOn := map[string][]string{}
	for _, e := range doc.Edges {
		if _, ok := nodeIDs[e.FromID]; !ok {
			return &InvalidPlanError{Reason: fmt.Sprintf("edge %q references unknown from_task_id %q", e.EdgeID, e.FromID)}
		}
		if _, ok := nodeIDs[e.ToID]; !ok {
			return &InvalidPlanError{Reason: fmt.Sprintf("edge %q references unknown to_task_id %q", e.EdgeID, e.ToID)}
		}
		if e.EdgeType == string(planmodel.EdgeDependsOn) {
			dependsOn[e.FromID] = append(dependsOn[e.FromID], e.ToID)
		}
	}

	if cycleNode, ok := findCycle(dependsOn); ok {
		return &InvalidPlanError{Reason: fmt.Sprintf("DEPENDS_ON cycle detected through task %q", cycleNode)}
	}

	return nil
}

// findCycle runs a standard white/gray/black DFS over the DEPENDS_ON
// adjacency map and returns the first node found on a cycle, if any.
func findCycle(adj map[string][]string) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}

	var visit func(node string) (string, bool)
	visit = func(node string) (string, bool) {
		color[node] = gray
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				return next, true
			case white:
				if found, ok := visit(next); ok {
					return found, true
				}
			}
		}
		color[node] = black
		return "", false
	}

	for node := range adj {
		if color[node] == white {
			if found, ok := visit(node); ok {
				return found, true
			}
		}
	}
	return "", false
}
