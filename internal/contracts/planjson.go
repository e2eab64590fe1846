package contracts

import (
	"fmt"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

// PlanDoc is the validated, canonical shape of a plan_json_v1 payload.
type PlanDoc struct {
	PlanID     string
	Title      string
	OwnerAgent string
	Priority   int

	Nodes        []NodeDoc
	Edges        []EdgeDoc
	Requirements []RequirementDoc
}

type NodeDoc struct {
	TaskID              string
	NodeType            string
	Title               string
	OwnerAgent          string
	Priority            int
	EstimatedPersonDays float64
	DeliverableSpec     string
	AcceptanceCriteria  string
	ReviewTargetTaskID  string
}

type EdgeDoc struct {
	EdgeID   string
	EdgeType string
	FromID   string
	ToID     string
	AndOr    string
	GroupID  string
}

type RequirementDoc struct {
	RequirementID    string
	TaskID           string
	Name             string
	Kind             string
	Required         bool
	MinCount         int
	AllowedTypes     []string
	Source           string
	FilenameKeywords []string
}

var planContainerAliases = map[string]string{
	"tasks":  "nodes",
	"links":  "edges",
	"inputs": "requirements",
}

var nodeKeyAliases = map[string]string{
	"id":   "task_id",
	"type": "node_type",
}

var edgeKeyAliases = map[string]string{
	"id":   "edge_id",
	"from": "from_task_id",
	"to":   "to_task_id",
	"type": "edge_type",
}

var requirementKeyAliases = map[string]string{
	"id":   "requirement_id",
	"task": "task_id",
}

// chainEdgeTypes are linear-chain markers the spec asks us to rewrite into
// DECOMPOSE fan-out from the plan root.
var chainEdgeTypes = map[string]bool{
	"NEXT":     true,
	"SEQUENCE": true,
	"FOLLOWS":  true,
	"THEN":     true,
}

// NormalizePlanJSON reshapes a raw decoded plan_json_v1 payload: peels
// wrapper objects, applies alias keys, rewrites linear chains into
// DECOMPOSE edges from the root, and synthesizes any missing root→child
// DECOMPOSE edge so the root can aggregate to DONE.
func NormalizePlanJSON(raw map[string]any) map[string]any {
	m := peelWrapper(raw, "plan_json", "result", "data")
	aliasKeys(m, planContainerAliases)

	planMeta, _ := m["plan"].(map[string]any)
	if planMeta == nil {
		planMeta = map[string]any{}
	}
	aliasKeys(planMeta, map[string]string{"id": "plan_id"})
	m["plan"] = planMeta

	rawNodes := asObjectSlice(m["nodes"])
	for _, n := range rawNodes {
		aliasKeys(n, nodeKeyAliases)
	}
	rawEdges := asObjectSlice(m["edges"])
	for _, e := range rawEdges {
		aliasKeys(e, edgeKeyAliases)
	}
	rawReqs := asObjectSlice(m["requirements"])
	for _, r := range rawReqs {
		aliasKeys(r, requirementKeyAliases)
	}

	rootID, _ := asString(planMeta["root_task_id"])
	if rootID == "" {
		rootID = findGoalNodeID(rawNodes)
	}

	rawEdges = rewriteChainEdges(rawEdges, rootID)
	rawEdges = synthesizeRootDecomposeEdges(rawEdges, rawNodes, rootID)

	m["nodes"] = toAnySlice(rawNodes)
	m["edges"] = toAnySlice(rawEdges)
	m["requirements"] = toAnySlice(rawReqs)
	return m
}

func findGoalNodeID(nodes []map[string]any) string {
	for _, n := range nodes {
		if nt, _ := asString(n["node_type"]); nt == string(planmodel.NodeGoal) {
			if id, ok := asString(n["task_id"]); ok {
				return id
			}
		}
	}
	if len(nodes) > 0 {
		if id, ok := asString(nodes[0]["task_id"]); ok {
			return id
		}
	}
	return ""
}

// rewriteChainEdges converts any edge whose edge_type is a recognized
// linear-chain marker into a DECOMPOSE(AND) edge from the root, per spec
// §4.2. The chain's internal sequencing information is discarded: only
// reachability from the root matters downstream.
func rewriteChainEdges(edges []map[string]any, rootID string) []map[string]any {
	if rootID == "" {
		return edges
	}
	out := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		et, _ := asString(e["edge_type"])
		if chainEdgeTypes[et] {
			to, _ := asString(e["to_task_id"])
			if to == "" || to == rootID {
				continue
			}
			out = append(out, map[string]any{
				"edge_id":      e["edge_id"],
				"edge_type":    string(planmodel.EdgeDecompose),
				"from_task_id": rootID,
				"to_task_id":   to,
				"and_or":       string(planmodel.AndFanout),
				"group_id":     "",
			})
			continue
		}
		out = append(out, e)
	}
	return out
}

// synthesizeRootDecomposeEdges adds a DECOMPOSE(AND) edge from root to any
// non-root node not already reached by a DECOMPOSE edge, so the root can
// always aggregate to DONE.
func synthesizeRootDecomposeEdges(edges []map[string]any, nodes []map[string]any, rootID string) []map[string]any {
	if rootID == "" {
		return edges
	}
	hasIncomingDecompose := map[string]bool{}
	for _, e := range edges {
		if et, _ := asString(e["edge_type"]); et == string(planmodel.EdgeDecompose) {
			if to, ok := asString(e["to_task_id"]); ok {
				hasIncomingDecompose[to] = true
			}
		}
	}
	synthIdx := 0
	for _, n := range nodes {
		id, ok := asString(n["task_id"])
		if !ok || id == "" || id == rootID || hasIncomingDecompose[id] {
			continue
		}
		synthIdx++
		edges = append(edges, map[string]any{
			"edge_id":      fmt.Sprintf("synth-decompose-%s-%d", rootID, synthIdx),
			"edge_type":    string(planmodel.EdgeDecompose),
			"from_task_id": rootID,
			"to_task_id":   id,
			"and_or":       string(planmodel.AndFanout),
			"group_id":     "",
		})
		hasIncomingDecompose[id] = true
	}
	return edges
}

func toAnySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, m := range in {
		out[i] = m
	}
	return out
}

// ValidatePlanJSON strictly validates an already-normalized payload.
func ValidatePlanJSON(m map[string]any) (PlanDoc, error) {
	var doc PlanDoc

	planMeta, _ := m["plan"].(map[string]any)
	if planMeta == nil {
		return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: "plan", Expected: "object", Got: m["plan"]}
	}
	doc.PlanID, _ = asString(planMeta["plan_id"])
	doc.Title, _ = asString(planMeta["title"])
	doc.OwnerAgent, _ = asString(planMeta["owner_agent"])
	if p, ok := asFloat(planMeta["priority"]); ok {
		doc.Priority = int(p)
	}

	rawNodes := asObjectSlice(m["nodes"])
	if len(rawNodes) == 0 {
		return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: "nodes", Expected: "non-empty array", Got: m["nodes"],
			Example: `"nodes": [{"task_id": "root", "node_type": "GOAL", "title": "..."}]`}
	}
	for i, n := range rawNodes {
		taskID, ok := asString(n["task_id"])
		if !ok || taskID == "" {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("nodes[%d].task_id", i), Expected: "non-empty string", Got: n["task_id"]}
		}
		nodeType, _ := asString(n["node_type"])
		if !planmodel.NodeType(nodeType).Valid() {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("nodes[%d].node_type", i),
				Expected: "one of GOAL, ACTION, CHECK", Got: nodeType, Example: `"node_type": "ACTION"`}
		}
		nd := NodeDoc{TaskID: taskID, NodeType: nodeType}
		nd.Title, _ = asString(n["title"])
		nd.OwnerAgent, _ = asString(n["owner_agent"])
		if p, ok := asFloat(n["priority"]); ok {
			nd.Priority = int(p)
		}
		if days, ok := asFloat(n["estimated_person_days"]); ok {
			nd.EstimatedPersonDays = days
		}
		nd.DeliverableSpec, _ = asString(n["deliverable_spec"])
		nd.AcceptanceCriteria, _ = asString(n["acceptance_criteria"])
		nd.ReviewTargetTaskID, _ = asString(n["review_target_task_id"])
		doc.Nodes = append(doc.Nodes, nd)
	}

	rawEdges := asObjectSlice(m["edges"])
	for i, e := range rawEdges {
		edgeType, _ := asString(e["edge_type"])
		if !planmodel.EdgeType(edgeType).Valid() {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("edges[%d].edge_type", i),
				Expected: "one of DECOMPOSE, DEPENDS_ON, ALTERNATIVE", Got: edgeType}
		}
		from, _ := asString(e["from_task_id"])
		to, _ := asString(e["to_task_id"])
		if from == "" || to == "" {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("edges[%d]", i), Expected: "from_task_id and to_task_id set", Got: e}
		}
		ed := EdgeDoc{EdgeType: edgeType, FromID: from, ToID: to}
		ed.EdgeID, _ = asString(e["edge_id"])
		if ed.EdgeID == "" {
			ed.EdgeID = fmt.Sprintf("%s-%s-%s", edgeType, from, to)
		}
		ed.AndOr, _ = asString(e["and_or"])
		ed.GroupID, _ = asString(e["group_id"])
		doc.Edges = append(doc.Edges, ed)
	}

	rawReqs := asObjectSlice(m["requirements"])
	for i, r := range rawReqs {
		kind, _ := asString(r["kind"])
		if !planmodel.RequirementKind(kind).Valid() {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("requirements[%d].kind", i),
				Expected: "one of FILE, CONFIRMATION, SKILL_OUTPUT", Got: kind}
		}
		taskID, _ := asString(r["task_id"])
		if taskID == "" {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("requirements[%d].task_id", i), Expected: "non-empty string", Got: r["task_id"]}
		}
		rd := RequirementDoc{TaskID: taskID, Kind: kind}
		rd.RequirementID, _ = asString(r["requirement_id"])
		if rd.RequirementID == "" {
			rd.RequirementID = fmt.Sprintf("req-%s-%d", taskID, i)
		}
		rd.Name, _ = asString(r["name"])
		if req, ok := asBool(r["required"]); ok {
			rd.Required = req
		} else {
			rd.Required = true
		}
		if mc, ok := asFloat(r["min_count"]); ok {
			rd.MinCount = int(mc)
		} else {
			rd.MinCount = 1
		}
		rd.AllowedTypes = asStringSlice(r["allowed_types"])
		rd.Source, _ = asString(r["source"])
		if rd.Source == "" {
			rd.Source = string(planmodel.SourceAny)
		}
		if !planmodel.RequirementSource(rd.Source).Valid() {
			return doc, &ValidatorError{Schema: SchemaPlanJSON, Path: fmt.Sprintf("requirements[%d].source", i),
				Expected: "one of USER, AGENT, ANY", Got: rd.Source}
		}
		rd.FilenameKeywords = asStringSlice(r["filename_keywords"])
		doc.Requirements = append(doc.Requirements, rd)
	}

	return doc, nil
}
