// Package enginectx threads the shared in-process state (Store handle,
// configuration, clock, LM client, telemetry sink) through the call graph
// instead of reaching for singletons, per the engine's design notes.
package enginectx

import (
	"time"

	"github.com/antigravity-dev/taskforge/internal/config"
	"github.com/antigravity-dev/taskforge/internal/lmclient"
	"github.com/antigravity-dev/taskforge/internal/notify"
	"github.com/antigravity-dev/taskforge/internal/store"
	"github.com/antigravity-dev/taskforge/internal/telemetry"
)

// Context is the one value every phase (matcher, readiness, scheduler,
// executor, reviewer, createplan, doctor) is handed instead of touching
// package-level state.
type Context struct {
	Store     *store.Store
	Config    *config.Config
	Now       func() time.Time
	LM        *lmclient.Client
	Telemetry *telemetry.Recorder
	Executor  lmclient.Agent // agent used for executor phase calls
	Reviewer  lmclient.Agent // agent used for reviewer phase calls

	// Notifier fans every TaskEvent the engine loop observes out to an
	// operator-configured webhook. notify.NoopSender{} when unconfigured.
	Notifier notify.Sender
}

// New builds a Context with real wall-clock time and no notifier configured
// (callers that want webhook fan-out set Notifier afterward).
func New(s *store.Store, cfg *config.Config, lm *lmclient.Client, tel *telemetry.Recorder, executor, reviewer lmclient.Agent) *Context {
	return &Context{
		Store:     s,
		Config:    cfg,
		Now:       time.Now,
		LM:        lm,
		Telemetry: tel,
		Executor:  executor,
		Reviewer:  reviewer,
		Notifier:  notify.NoopSender{},
	}
}
