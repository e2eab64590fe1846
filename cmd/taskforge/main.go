// Command taskforge is the single operator entry point for the plan engine:
// create plans, run the executor/reviewer loop, inspect state, and run the
// read-only doctor preflight. Every subcommand reads its settings from one
// JSON config file (-config); none read environment variables.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/contracts"
	"github.com/antigravity-dev/taskforge/internal/createplan"
	"github.com/antigravity-dev/taskforge/internal/doctor"
	"github.com/antigravity-dev/taskforge/internal/engine"
	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/lmclient"
	"github.com/antigravity-dev/taskforge/internal/notify"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/statusapi"
	"github.com/antigravity-dev/taskforge/internal/store"
	"github.com/antigravity-dev/taskforge/internal/telemetry"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

func configureLogger(dev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "create-plan":
		cmdCreatePlan(args)
	case "run":
		cmdRun(args)
	case "status":
		cmdStatus(args)
	case "errors":
		cmdErrors(args)
	case "doctor":
		cmdDoctor(args)
	case "repair-db":
		cmdRepairDB(args)
	case "export":
		cmdExport(args)
	case "reset-db":
		cmdResetDB(args)
	case "reset-failed":
		cmdResetFailed(args)
	case "llm-calls":
		cmdLlmCalls(args)
	case "contract-audit":
		cmdContractAudit(args)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "taskforge: unknown subcommand %q\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: taskforge <subcommand> [flags]

subcommands:
  create-plan     run the PLAN_GEN/PLAN_REVIEW loop for a new top-task goal
  run             drive the executor/reviewer tick loop for a plan to completion
  status          print a plan's task summary
  errors          list TIMEOUT/error task events for a plan
  doctor          run the read-only preflight checks
  repair-db       apply any pending schema migrations
  export          write a plan's deliverable manifest to disk
  reset-db        delete and recreate the database file
  reset-failed    reset a FAILED or attempt-capped task back to READY
  llm-calls       list recorded LLM calls for a plan or task
  contract-audit  re-validate stored LLM responses against their schema`)
}

// openEngineCtx loads config and opens the store shared by every subcommand
// that touches engine state.
func openEngineCtx(configPath string) (*enginectx.Context, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	tel := telemetry.NewRecorder(s, telemetry.Pricing{
		InputPerMillion:  cfg.InputPricePerMillion,
		OutputPerMillion: cfg.OutputPricePerMillion,
	})
	lm := lmclient.New(cfg.Guardrails.MaxPromptChars, cfg.Guardrails.MaxResponseChars)
	ec := enginectx.New(s, cfg, lm, tel, lmclient.AgentClaude, lmclient.AgentCodex)
	return ec, func() { s.Close() }, nil
}

func cmdCreatePlan(args []string) {
	fs := flag.NewFlagSet("create-plan", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	goal := fs.String("goal", "", "top-task goal description (required)")
	fs.Parse(args)

	if strings.TrimSpace(*goal) == "" {
		die("create-plan: -goal is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("create-plan: %v", err)
	}
	defer closeFn()

	outcome, err := createplan.Run(context.Background(), ec, *goal)
	if err != nil {
		die("create-plan: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(outcome)
	if !outcome.Approved {
		os.Exit(1)
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "plan id to run (required)")
	dev := fs.Bool("dev", false, "use text log format (default is JSON)")
	fs.Parse(args)

	if *planID == "" {
		die("run: -plan is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("run: %v", err)
	}
	defer closeFn()

	logger := configureLogger(*dev)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ec.Notifier = notify.FromConfig(ec.Config.NotifyWebhookURL)
	if ec.Config.NotifyWebhookURL != "" {
		logger.Info("run: notifier configured", "url", ec.Config.NotifyWebhookURL)
	}
	if ec.Config.StatusAPIAddr != "" {
		api := statusapi.NewServer(ec.Store, ec.Config.StatusAPIAddr, logger)
		go func() {
			if err := api.Start(ctx); err != nil {
				logger.Error("run: status api exited", "error", err)
			}
		}()
		logger.Info("run: status api listening", "addr", ec.Config.StatusAPIAddr)
	}

	eng := engine.New(ec, logger)
	if err := eng.Run(ctx, *planID); err != nil {
		var fuse *engine.ErrFuseTripped
		if errors.As(err, &fuse) {
			die("run: %v", fuse)
		}
		die("run: %v", err)
	}
	fmt.Printf("plan %s: finished\n", *planID)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "plan id to report on (required)")
	fs.Parse(args)

	if *planID == "" {
		die("status: -plan is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("status: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	plan, err := ec.Store.GetPlan(ctx, *planID)
	if err != nil {
		die("status: %v", err)
	}
	tasks, err := ec.Store.ListTasksByPlan(ctx, *planID)
	if err != nil {
		die("status: %v", err)
	}

	counts := map[planmodel.TaskStatus]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}

	out := struct {
		Plan   planmodel.Plan       `json:"plan"`
		Tasks  []planmodel.TaskNode `json:"tasks"`
		Counts map[string]int       `json:"status_counts"`
	}{Plan: plan, Tasks: tasks, Counts: map[string]int{}}
	for status, n := range counts {
		out.Counts[string(status)] = n
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

func cmdErrors(args []string) {
	fs := flag.NewFlagSet("errors", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "plan id (required)")
	fs.Parse(args)

	if *planID == "" {
		die("errors: -plan is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("errors: %v", err)
	}
	defer closeFn()

	events, err := ec.Store.ListEventsByPlan(context.Background(), *planID)
	if err != nil {
		die("errors: %v", err)
	}
	var errEvents []planmodel.TaskEvent
	for _, e := range events {
		switch e.EventType {
		case planmodel.EventTimeout:
			errEvents = append(errEvents, e)
		default:
			if strings.Contains(strings.ToUpper(e.EventType), "ERROR") || strings.Contains(strings.ToUpper(e.EventType), "FAIL") {
				errEvents = append(errEvents, e)
			}
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(errEvents)
}

func cmdDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "restrict structural checks to this plan (optional)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		die("doctor: %v", err)
	}
	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		die("doctor: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	var report doctor.Report
	if *planID != "" {
		findings, err := doctor.CheckPlan(ctx, s, cfg, *planID)
		if err != nil {
			die("doctor: %v", err)
		}
		report.Findings = append(doctor.CheckDatabase(s), findings...)
		report.Pass = len(report.Findings) == 0
	} else {
		report, err = doctor.Run(ctx, s, cfg)
		if err != nil {
			die("doctor: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)
	if !report.Pass {
		os.Exit(1)
	}
}

func cmdRepairDB(args []string) {
	fs := flag.NewFlagSet("repair-db", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		die("repair-db: %v", err)
	}
	// Open applies every pending migration transactionally before returning.
	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		die("repair-db: %v", err)
	}
	defer s.Close()

	applied, err := s.AppliedMigrations()
	if err != nil {
		die("repair-db: %v", err)
	}
	latest, err := s.LatestMigration()
	if err != nil {
		die("repair-db: %v", err)
	}
	fmt.Printf("repair-db: %d migrations applied, latest %q\n", len(applied), latest)
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "plan id to export (required)")
	fs.Parse(args)

	if *planID == "" {
		die("export: -plan is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("export: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	plan, err := ec.Store.GetPlan(ctx, *planID)
	if err != nil {
		die("export: %v", err)
	}
	tasks, err := ec.Store.ListTasksByPlan(ctx, *planID)
	if err != nil {
		die("export: %v", err)
	}

	type manifestEntry struct {
		TaskID     string `json:"task_id"`
		ArtifactID string `json:"artifact_id,omitempty"`
		Path       string `json:"path,omitempty"`
		Hash       string `json:"content_hash,omitempty"`
	}
	var entries []manifestEntry
	for _, t := range tasks {
		if t.ApprovedArtifactID == "" {
			continue
		}
		art, err := ec.Store.GetArtifact(ctx, t.ApprovedArtifactID)
		if err != nil {
			die("export: %v", err)
		}
		entries = append(entries, manifestEntry{TaskID: t.TaskID, ArtifactID: art.ArtifactID, Path: art.Path, Hash: art.ContentHash})
	}

	layout := workspace.New(ec.Config.WorkspaceRoot)
	manifest := struct {
		Plan    planmodel.Plan  `json:"plan"`
		Entries []manifestEntry `json:"approved_artifacts"`
	}{Plan: plan, Entries: entries}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		die("export: %v", err)
	}
	if _, err := workspace.WriteFile(layout.ManifestPath(*planID), body); err != nil {
		die("export: %v", err)
	}
	fmt.Printf("export: wrote manifest for plan %s to %s\n", *planID, layout.ManifestPath(*planID))
}

func cmdResetDB(args []string) {
	fs := flag.NewFlagSet("reset-db", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	force := fs.Bool("force", false, "required to confirm destroying the database file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		die("reset-db: %v", err)
	}
	if !*force {
		die("reset-db: refusing to delete %s without -force", cfg.DatabasePath)
	}
	if err := os.Remove(cfg.DatabasePath); err != nil && !os.IsNotExist(err) {
		die("reset-db: %v", err)
	}
	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		die("reset-db: %v", err)
	}
	defer s.Close()
	fmt.Printf("reset-db: recreated %s\n", cfg.DatabasePath)
}

func cmdResetFailed(args []string) {
	fs := flag.NewFlagSet("reset-failed", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	taskID := fs.String("task", "", "task id to reset (required)")
	fs.Parse(args)

	if *taskID == "" {
		die("reset-failed: -task is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("reset-failed: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	err = ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.ResetFailedTask(ctx, tx, *taskID)
	})
	if err != nil {
		die("reset-failed: %v", err)
	}
	fmt.Printf("reset-failed: task %s reset to READY\n", *taskID)
}

func cmdLlmCalls(args []string) {
	fs := flag.NewFlagSet("llm-calls", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "plan id")
	taskID := fs.String("task", "", "task id (overrides -plan)")
	fs.Parse(args)

	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("llm-calls: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	var calls []planmodel.LlmCall
	switch {
	case *taskID != "":
		calls, err = ec.Store.ListLlmCallsByTask(ctx, *taskID)
	case *planID != "":
		calls, err = ec.Store.ListLlmCallsByPlan(ctx, *planID)
	default:
		die("llm-calls: one of -plan or -task is required")
	}
	if err != nil {
		die("llm-calls: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(calls)
}

// scopeSchema maps the Scope recorded on an LlmCall to the contract schema
// that call's response was validated against.
func scopeSchema(scope string) (contracts.Schema, bool) {
	switch scope {
	case "EXECUTOR":
		return contracts.SchemaXiaoboAction, true
	case "REVIEWER", "PLAN_REVIEW":
		return contracts.SchemaXiaojingReview, true
	case "PLAN_GEN":
		return contracts.SchemaPlanJSON, true
	default:
		return "", false
	}
}

func cmdContractAudit(args []string) {
	fs := flag.NewFlagSet("contract-audit", flag.ExitOnError)
	configPath := fs.String("config", "taskforge.json", "path to config file")
	planID := fs.String("plan", "", "plan id to audit (required)")
	fs.Parse(args)

	if *planID == "" {
		die("contract-audit: -plan is required")
	}
	ec, closeFn, err := openEngineCtx(*configPath)
	if err != nil {
		die("contract-audit: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	calls, err := ec.Store.ListLlmCallsByPlan(ctx, *planID)
	if err != nil {
		die("contract-audit: %v", err)
	}

	type mismatch struct {
		LlmCallID string `json:"llm_call_id"`
		Scope     string `json:"scope"`
		Reason    string `json:"reason"`
	}
	var mismatches []mismatch
	audited := 0
	for _, c := range calls {
		if c.NormalizedJSON == "" {
			continue // call never produced a validated response (refusal, timeout, parse failure)
		}
		schema, ok := scopeSchema(c.Scope)
		if !ok {
			continue
		}
		audited++
		var raw map[string]any
		if err := json.Unmarshal([]byte(c.NormalizedJSON), &raw); err != nil {
			mismatches = append(mismatches, mismatch{LlmCallID: c.LlmCallID, Scope: c.Scope, Reason: "stored normalized_json is not valid JSON"})
			continue
		}
		// Re-running normalize-then-validate on an already-normalized
		// document must be a no-op; any drift means the stored document no
		// longer matches what the current schema would accept.
		reNormalized, _, err := contracts.NormalizeAndValidate(schema, raw)
		if err != nil {
			mismatches = append(mismatches, mismatch{LlmCallID: c.LlmCallID, Scope: c.Scope, Reason: err.Error()})
			continue
		}
		if reNormalized != c.NormalizedJSON {
			mismatches = append(mismatches, mismatch{LlmCallID: c.LlmCallID, Scope: c.Scope, Reason: "re-normalization diverges from stored normalized_json"})
		}
	}

	out := struct {
		Audited    int        `json:"audited"`
		Mismatches []mismatch `json:"mismatches"`
	}{Audited: audited, Mismatches: mismatches}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
	if len(mismatches) > 0 {
		os.Exit(1)
	}
}
