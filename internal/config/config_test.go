package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, v any) string {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "taskforge.json")
	require.NoError(t, os.WriteFile(path, body, 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, map[string]any{
		"max_decomposition_depth":      4,
		"one_shot_threshold_person_days": 1.5,
		"plan_review_pass_score":       90,
		"workflow_mode":                "v2",
		"llm":                          map[string]any{"timeout_s": 120},
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.MaxDecompositionDepth)
	require.Equal(t, 1.5, cfg.OneShotThresholdPersonDays)
	require.Equal(t, WorkflowV2, cfg.WorkflowMode)
	require.Equal(t, 120, cfg.LLM.TimeoutS)
	// guardrail defaults fill in when omitted
	require.Greater(t, cfg.Guardrails.MaxPromptChars, 0)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, map[string]any{})
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, WorkflowV1, cfg.WorkflowMode)
	require.Equal(t, 90.0, cfg.PlanReviewPassScore)
	require.Equal(t, 5, cfg.MaxDecompositionDepth)
	require.Equal(t, 3, cfg.MaxTaskAttempts)
	require.False(t, cfg.FailedAutoResetReady)
}

func TestLoadRejectsUnknownWorkflowMode(t *testing.T) {
	path := writeTestConfig(t, map[string]any{"workflow_mode": "v3"})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangePassScore(t *testing.T) {
	path := writeTestConfig(t, map[string]any{"plan_review_pass_score": 150})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	path := writeTestConfig(t, map[string]any{"max_decomposition_depth": 4})
	cfg, err := Load(path)
	require.NoError(t, err)

	clone := cfg.Clone()
	clone.MaxDecompositionDepth = 99
	require.Equal(t, 4, cfg.MaxDecompositionDepth)
	require.Equal(t, 99, clone.MaxDecompositionDepth)
}
