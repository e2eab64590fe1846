// Package config loads and validates the engine's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Duration is a whole number of seconds, carried in JSON as a plain number (e.g. 60).
type Duration struct {
	Seconds int
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Seconds)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &d.Seconds)
}

// WorkflowMode selects how strictly doctor enforces plan structure (spec §4.10).
type WorkflowMode string

const (
	WorkflowV1 WorkflowMode = "v1"
	WorkflowV2 WorkflowMode = "v2"
)

func (m WorkflowMode) Valid() bool {
	switch m {
	case WorkflowV1, WorkflowV2:
		return true
	}
	return false
}

// Config is the single JSON configuration document (spec §6). Environment
// variables are never consulted; every knob lives here.
type Config struct {
	MaxDecompositionDepth    int          `json:"max_decomposition_depth"`
	OneShotThresholdPersonDays float64    `json:"one_shot_threshold_person_days"`
	PlanReviewPassScore      float64      `json:"plan_review_pass_score"`
	WorkflowMode             WorkflowMode `json:"workflow_mode"`

	LLM LLM `json:"llm"`

	Guardrails Guardrails `json:"guardrails"`

	// Engine-level knobs not enumerated by name in spec §6 but required by
	// the fuses in §5 and the workspace layout in §6.
	DatabasePath           string  `json:"database_path"`
	WorkspaceRoot          string  `json:"workspace_root"`
	PollIntervalSeconds    int     `json:"poll_interval_seconds"`
	SkillTimeoutSeconds    int     `json:"skill_timeout_seconds"`
	MaxPlanRuntimeSeconds  int     `json:"max_plan_runtime_seconds"`
	MaxTaskAttempts        int     `json:"max_task_attempts"`
	MaxReviewAttempts      int     `json:"max_review_attempts"`
	MaxPlanGenAttempts     int     `json:"max_plan_gen_attempts"`
	MaxPlanReviewAttempts  int     `json:"max_plan_review_attempts"`
	FailedAutoResetReady   bool    `json:"failed_auto_reset_ready"`
	InputPricePerMillion   float64 `json:"input_price_per_million_usd"`
	OutputPricePerMillion  float64 `json:"output_price_per_million_usd"`

	// NotifyWebhookURL, when set, receives a POST of every TaskEvent's JSON
	// payload. Empty disables the notifier entirely.
	NotifyWebhookURL     string `json:"notify_webhook_url"`
	StatusAPIAddr        string `json:"status_api_addr"`
}

// LLM holds the LM client's timeout, independent of any single agent.
type LLM struct {
	TimeoutS int `json:"timeout_s"`
}

// Guardrails bounds the engine's resource consumption (spec §6).
type Guardrails struct {
	MaxRunIterations            int `json:"max_run_iterations"`
	MaxLlmCallsPerRun            int `json:"max_llm_calls_per_run"`
	MaxLlmCallsPerTask           int `json:"max_llm_calls_per_task"`
	MaxPromptChars               int `json:"max_prompt_chars"`
	MaxResponseChars             int `json:"max_response_chars"`
	MaxTaskEventsPerTask         int `json:"max_task_events_per_task"`
	MaxLlmCallsRows              int `json:"max_llm_calls_rows"`
	MaxTaskEventsRows            int `json:"max_task_events_rows"`
	MaxArtifactVersionsPerTask   int `json:"max_artifact_versions_per_task"`
	MaxReviewVersionsPerCheck    int `json:"max_review_versions_per_check"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

// Load reads and validates a JSON configuration file. No environment
// variable is ever consulted (spec §6).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a JSON configuration file. It mirrors Load but
// is named to reflect runtime refresh call sites.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxDecompositionDepth == 0 {
		cfg.MaxDecompositionDepth = 5
	}
	if cfg.OneShotThresholdPersonDays == 0 {
		cfg.OneShotThresholdPersonDays = 1.0
	}
	if cfg.PlanReviewPassScore == 0 {
		cfg.PlanReviewPassScore = 90
	}
	if cfg.WorkflowMode == "" {
		cfg.WorkflowMode = WorkflowV1
	}
	if cfg.LLM.TimeoutS == 0 {
		cfg.LLM.TimeoutS = 300
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "."
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "taskforge.db"
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.SkillTimeoutSeconds == 0 {
		cfg.SkillTimeoutSeconds = 120
	}
	if cfg.MaxPlanRuntimeSeconds == 0 {
		cfg.MaxPlanRuntimeSeconds = 3600
	}
	if cfg.MaxTaskAttempts == 0 {
		cfg.MaxTaskAttempts = 3
	}
	if cfg.MaxReviewAttempts == 0 {
		cfg.MaxReviewAttempts = 3
	}
	if cfg.MaxPlanGenAttempts == 0 {
		cfg.MaxPlanGenAttempts = 3
	}
	if cfg.MaxPlanReviewAttempts == 0 {
		cfg.MaxPlanReviewAttempts = 3
	}

	g := &cfg.Guardrails
	if g.MaxRunIterations == 0 {
		g.MaxRunIterations = 10000
	}
	if g.MaxLlmCallsPerRun == 0 {
		g.MaxLlmCallsPerRun = 2000
	}
	if g.MaxLlmCallsPerTask == 0 {
		g.MaxLlmCallsPerTask = 20
	}
	if g.MaxPromptChars == 0 {
		g.MaxPromptChars = 60000
	}
	if g.MaxResponseChars == 0 {
		g.MaxResponseChars = 60000
	}
	if g.MaxTaskEventsPerTask == 0 {
		g.MaxTaskEventsPerTask = 2000
	}
	if g.MaxLlmCallsRows == 0 {
		g.MaxLlmCallsRows = 50000
	}
	if g.MaxTaskEventsRows == 0 {
		g.MaxTaskEventsRows = 50000
	}
	if g.MaxArtifactVersionsPerTask == 0 {
		g.MaxArtifactVersionsPerTask = 50
	}
	if g.MaxReviewVersionsPerCheck == 0 {
		g.MaxReviewVersionsPerCheck = 50
	}
}

func validate(cfg *Config) error {
	if !cfg.WorkflowMode.Valid() {
		return fmt.Errorf("workflow_mode must be one of v1, v2, got %q", cfg.WorkflowMode)
	}
	if cfg.MaxDecompositionDepth <= 0 {
		return fmt.Errorf("max_decomposition_depth must be > 0")
	}
	if cfg.OneShotThresholdPersonDays <= 0 {
		return fmt.Errorf("one_shot_threshold_person_days must be > 0")
	}
	if cfg.PlanReviewPassScore <= 0 || cfg.PlanReviewPassScore > 100 {
		return fmt.Errorf("plan_review_pass_score must be in (0, 100]")
	}
	if cfg.LLM.TimeoutS <= 0 {
		return fmt.Errorf("llm.timeout_s must be > 0")
	}
	if cfg.Guardrails.MaxPromptChars <= 0 {
		return fmt.Errorf("guardrails.max_prompt_chars must be > 0")
	}
	if cfg.Guardrails.MaxResponseChars <= 0 {
		return fmt.Errorf("guardrails.max_response_chars must be > 0")
	}
	dir := filepath.Dir(cfg.WorkspaceRoot)
	if dir != "" && dir != "." {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return fmt.Errorf("workspace_root parent %q is not a directory", dir)
		}
	}
	return nil
}
