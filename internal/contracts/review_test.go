package contracts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

func TestValidateReviewJSON_Approve(t *testing.T) {
	raw := map[string]any{
		"review_result": map[string]any{
			"score":  95.0,
			"action": "APPROVE",
			"dimension_scores": []any{
				map[string]any{"dimension": "correctness", "score": 95.0},
			},
		},
	}
	doc, err := ValidateReviewJSON(NormalizeReviewJSON(raw))
	require.NoError(t, err)
	require.Equal(t, planmodel.ActionApprove, doc.ActionRequired)
	require.Equal(t, 95.0, doc.TotalScore)
	require.Len(t, doc.Breakdown, 1)
}

func TestValidateReviewJSON_RejectsBadPriority(t *testing.T) {
	raw := map[string]any{
		"total_score":     70.0,
		"action_required": "MODIFY",
		"suggestions": []any{
			map[string]any{"priority": "URGENT", "change": "fix it"},
		},
	}
	_, err := ValidateReviewJSON(raw)
	require.Error(t, err)
}

func TestValidateReviewJSON_Suggestions(t *testing.T) {
	raw := map[string]any{
		"total_score":     70.0,
		"action_required": "MODIFY",
		"suggestions": []any{
			map[string]any{"priority": "HIGH", "change": "add game-over screen", "steps": []any{"step1", "step2"}},
		},
	}
	doc, err := ValidateReviewJSON(raw)
	require.NoError(t, err)
	require.Len(t, doc.Suggestions, 1)
	require.Equal(t, planmodel.PriorityHigh, doc.Suggestions[0].Priority)
	require.Equal(t, []string{"step1", "step2"}, doc.Suggestions[0].Steps)
}
