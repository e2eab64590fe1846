package contracts

import (
	"fmt"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

// ReviewDoc is the validated, canonical shape of an xiaojing_review_v1
// response: the reviewer's verdict against one artifact version.
type ReviewDoc struct {
	TotalScore     float64
	ActionRequired planmodel.ActionRequired
	Breakdown      []planmodel.ReviewBreakdownItem
	Suggestions    []planmodel.ReviewSuggestion
	Summary        string
}

var reviewKeyAliases = map[string]string{
	"score":  "total_score",
	"action": "action_required",
}

// NormalizeReviewJSON peels known wrapper keys (review_result, plan_json-ish
// result/data) and aliases dimension_scores onto breakdown.
func NormalizeReviewJSON(raw map[string]any) map[string]any {
	m := peelWrapper(raw, "review_result", "result", "data")
	aliasKeys(m, reviewKeyAliases)
	aliasKeys(m, map[string]string{"dimension_scores": "breakdown"})
	return m
}

// ValidateReviewJSON strictly validates a normalized xiaojing_review_v1 payload.
func ValidateReviewJSON(m map[string]any) (ReviewDoc, error) {
	var doc ReviewDoc

	score, ok := asFloat(m["total_score"])
	if !ok {
		return doc, &ValidatorError{Schema: SchemaXiaojingReview, Path: "total_score",
			Expected: "number", Got: m["total_score"], Example: `"total_score": 92.5`}
	}
	doc.TotalScore = score

	action, _ := asString(m["action_required"])
	if !planmodel.ActionRequired(action).Valid() {
		return doc, &ValidatorError{Schema: SchemaXiaojingReview, Path: "action_required",
			Expected: "one of APPROVE, MODIFY, REQUEST_EXTERNAL_INPUT", Got: action,
			Example: `"action_required": "APPROVE"`}
	}
	doc.ActionRequired = planmodel.ActionRequired(action)
	doc.Summary, _ = asString(m["summary"])

	for i, b := range asObjectSlice(m["breakdown"]) {
		dim, _ := asString(b["dimension"])
		if dim == "" {
			return doc, &ValidatorError{Schema: SchemaXiaojingReview, Path: fmt.Sprintf("breakdown[%d].dimension", i),
				Expected: "non-empty string", Got: b["dimension"]}
		}
		sc, _ := asFloat(b["score"])
		comment, _ := asString(b["comment"])
		doc.Breakdown = append(doc.Breakdown, planmodel.ReviewBreakdownItem{Dimension: dim, Score: sc, Comment: comment})
	}

	for i, s := range asObjectSlice(m["suggestions"]) {
		priority, _ := asString(s["priority"])
		if !oneOf(priority, string(planmodel.PriorityHigh), string(planmodel.PriorityMed), string(planmodel.PriorityLow)) {
			return doc, &ValidatorError{Schema: SchemaXiaojingReview, Path: fmt.Sprintf("suggestions[%d].priority", i),
				Expected: "one of HIGH, MED, LOW", Got: priority}
		}
		change, _ := asString(s["change"])
		if change == "" {
			return doc, &ValidatorError{Schema: SchemaXiaojingReview, Path: fmt.Sprintf("suggestions[%d].change", i),
				Expected: "non-empty string", Got: s["change"]}
		}
		sugg := planmodel.ReviewSuggestion{
			Priority: planmodel.SuggestionPriority(priority),
			Change:   change,
			Steps:    asStringSlice(s["steps"]),
		}
		sugg.AcceptanceCriteria, _ = asString(s["acceptance_criteria"])
		doc.Suggestions = append(doc.Suggestions, sugg)
	}

	return doc, nil
}
