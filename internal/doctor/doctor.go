// Package doctor runs the engine's preflight checks (spec §4.10): database
// schema health and plan structural soundness. Doctor never mutates
// anything it inspects.
package doctor

import (
	"context"
	"fmt"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

// Code is a machine-readable identifier for one failing check.
type Code string

const (
	CodeMissingTable        Code = "DB_MISSING_TABLE"
	CodeStaleMigrations     Code = "DB_STALE_MIGRATIONS"
	CodeForeignKeysOff      Code = "DB_FOREIGN_KEYS_OFF"
	CodeNoRoot              Code = "PLAN_NO_ROOT"
	CodeRootNotGoal         Code = "PLAN_ROOT_NOT_GOAL"
	CodeNoAction            Code = "PLAN_NO_ACTION"
	CodeMissingDecompose    Code = "PLAN_MISSING_DECOMPOSE"
	CodeOrphanTask          Code = "PLAN_ORPHAN_TASK"
	CodeIllegalStatus       Code = "PLAN_ILLEGAL_STATUS_FOR_NODE_TYPE"
	CodeActionCheckMismatch Code = "WORKFLOW_ACTION_CHECK_MISMATCH"
	CodeMissingDeliverable  Code = "WORKFLOW_MISSING_DELIVERABLE_SPEC"
	CodeMissingAcceptance   Code = "WORKFLOW_MISSING_ACCEPTANCE_CRITERIA"
	CodeMissingEstimate     Code = "WORKFLOW_MISSING_ESTIMATE"
	CodeEstimateTooLarge    Code = "WORKFLOW_ESTIMATE_EXCEEDS_ONE_SHOT_THRESHOLD"
)

// Finding is one failing check.
type Finding struct {
	Code    Code
	TaskID  string // empty for plan- or database-scoped findings
	Message string
}

// Report is the outcome of one doctor run.
type Report struct {
	Pass     bool
	Findings []Finding
}

var requiredTables = []string{
	"plans", "tasks", "task_edges", "input_requirements", "evidence",
	"artifacts", "reviews", "skill_runs", "task_events", "llm_calls",
}

// CheckDatabase inspects schema completeness, migration currency, and the
// foreign_keys pragma. It issues no writes.
func CheckDatabase(s *store.Store) []Finding {
	var findings []Finding

	for _, table := range requiredTables {
		var name string
		row := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table)
		if err := row.Scan(&name); err != nil {
			findings = append(findings, Finding{Code: CodeMissingTable, Message: fmt.Sprintf("table %q is missing", table)})
		}
	}

	available, err := store.AvailableMigrations()
	if err == nil {
		applied, err := s.AppliedMigrations()
		if err == nil && len(available) > 0 {
			if len(applied) == 0 || applied[len(applied)-1] != available[len(available)-1] {
				findings = append(findings, Finding{Code: CodeStaleMigrations,
					Message: fmt.Sprintf("database is missing migrations up to %q", available[len(available)-1])})
			}
		}
	}

	var fkEnabled int
	row := s.DB().QueryRow(`PRAGMA foreign_keys;`)
	if err := row.Scan(&fkEnabled); err != nil || fkEnabled != 1 {
		findings = append(findings, Finding{Code: CodeForeignKeysOff, Message: "foreign_keys pragma is not enabled"})
	}

	return findings
}

// CheckPlan inspects one plan's structural soundness: root exists and is
// GOAL, at least one ACTION, DECOMPOSE edges present when there is more
// than one node, no orphan tasks, and status legal for the node's type.
// In WorkflowV2 it additionally enforces the strong-workflow invariants.
func CheckPlan(ctx context.Context, s *store.Store, cfg *config.Config, planID string) ([]Finding, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("doctor: load plan %q: %w", planID, err)
	}
	tasks, err := s.ListTasksByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("doctor: load tasks for plan %q: %w", planID, err)
	}
	edges, err := s.ListEdgesByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("doctor: load edges for plan %q: %w", planID, err)
	}

	var findings []Finding
	byID := make(map[string]planmodel.TaskNode, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	if plan.RootTaskID == "" || byID[plan.RootTaskID].TaskID == "" {
		findings = append(findings, Finding{Code: CodeNoRoot, Message: "plan has no resolvable root task"})
	} else if byID[plan.RootTaskID].NodeType != planmodel.NodeGoal {
		findings = append(findings, Finding{Code: CodeRootNotGoal, TaskID: plan.RootTaskID, Message: "root task is not a GOAL node"})
	}

	hasAction := false
	for _, t := range tasks {
		if t.NodeType == planmodel.NodeAction {
			hasAction = true
			break
		}
	}
	if !hasAction {
		findings = append(findings, Finding{Code: CodeNoAction, Message: "plan has no ACTION task"})
	}

	if len(tasks) > 1 {
		hasDecompose := false
		for _, e := range edges {
			if e.EdgeType == planmodel.EdgeDecompose {
				hasDecompose = true
				break
			}
		}
		if !hasDecompose {
			findings = append(findings, Finding{Code: CodeMissingDecompose, Message: "plan has more than one task but no DECOMPOSE edges"})
		}
	}

	reached := reachableFrom(plan.RootTaskID, edges)
	for _, t := range tasks {
		if t.TaskID != plan.RootTaskID && !reached[t.TaskID] {
			findings = append(findings, Finding{Code: CodeOrphanTask, TaskID: t.TaskID, Message: "task is not reachable from the plan root"})
		}
		if !legalStatusForNodeType(t.NodeType, t.Status) {
			findings = append(findings, Finding{Code: CodeIllegalStatus, TaskID: t.TaskID,
				Message: fmt.Sprintf("status %s is not legal for node type %s", t.Status, t.NodeType)})
		}
	}

	if cfg.WorkflowMode == config.WorkflowV2 {
		findings = append(findings, checkStrongWorkflow(tasks, edges, cfg)...)
	}

	return findings, nil
}

func checkStrongWorkflow(tasks []planmodel.TaskNode, edges []planmodel.TaskEdge, cfg *config.Config) []Finding {
	var findings []Finding

	checkTargets := make(map[string]bool)
	for _, t := range tasks {
		if t.NodeType == planmodel.NodeCheck {
			checkTargets[t.ReviewTargetTaskID] = true
		}
	}

	for _, t := range tasks {
		if t.NodeType != planmodel.NodeAction {
			continue
		}
		if !checkTargets[t.TaskID] {
			findings = append(findings, Finding{Code: CodeActionCheckMismatch, TaskID: t.TaskID,
				Message: "ACTION task has no corresponding CHECK task"})
		}
		if t.DeliverableSpec == "" {
			findings = append(findings, Finding{Code: CodeMissingDeliverable, TaskID: t.TaskID, Message: "deliverable_spec is not set"})
		}
		if t.AcceptanceCriteria == "" {
			findings = append(findings, Finding{Code: CodeMissingAcceptance, TaskID: t.TaskID, Message: "acceptance_criteria is not set"})
		}
		if t.EstimatedPersonDays <= 0 {
			findings = append(findings, Finding{Code: CodeMissingEstimate, TaskID: t.TaskID, Message: "estimated_person_days is not set"})
		}
		if isLeafAction(t.TaskID, edges) && t.EstimatedPersonDays > cfg.OneShotThresholdPersonDays {
			findings = append(findings, Finding{Code: CodeEstimateTooLarge, TaskID: t.TaskID,
				Message: fmt.Sprintf("estimated_person_days %.2f exceeds one_shot_threshold_person_days %.2f", t.EstimatedPersonDays, cfg.OneShotThresholdPersonDays)})
		}
	}
	return findings
}

func isLeafAction(taskID string, edges []planmodel.TaskEdge) bool {
	for _, e := range edges {
		if e.EdgeType == planmodel.EdgeDecompose && e.FromID == taskID {
			return false
		}
	}
	return true
}

func reachableFrom(rootID string, edges []planmodel.TaskEdge) map[string]bool {
	children := make(map[string][]string)
	for _, e := range edges {
		if e.EdgeType == planmodel.EdgeDecompose || e.EdgeType == planmodel.EdgeAlternative {
			children[e.FromID] = append(children[e.FromID], e.ToID)
		}
	}
	seen := map[string]bool{rootID: true}
	stack := []string{rootID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[cur] {
			if !seen[child] {
				seen[child] = true
				stack = append(stack, child)
			}
		}
	}
	return seen
}

// legalStatusForNodeType enforces spec §4.10's status×node_type legality
// check: CHECK nodes are never READY_TO_CHECK (only the ACTION they
// review can be), and GOAL nodes never carry executor/reviewer statuses.
func legalStatusForNodeType(nodeType planmodel.NodeType, status planmodel.TaskStatus) bool {
	switch nodeType {
	case planmodel.NodeCheck:
		return status != planmodel.StatusReadyToCheck && status != planmodel.StatusToBeModify
	case planmodel.NodeGoal:
		switch status {
		case planmodel.StatusReadyToCheck, planmodel.StatusToBeModify:
			return false
		}
	}
	return true
}

// Run executes the full preflight: database checks, then structural checks
// for every plan in the store.
func Run(ctx context.Context, s *store.Store, cfg *config.Config) (Report, error) {
	findings := CheckDatabase(s)

	plans, err := s.ListPlans(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("doctor: list plans: %w", err)
	}
	for _, p := range plans {
		planFindings, err := CheckPlan(ctx, s, cfg, p.PlanID)
		if err != nil {
			return Report{}, err
		}
		findings = append(findings, planFindings...)
	}

	return Report{Pass: len(findings) == 0, Findings: findings}, nil
}
