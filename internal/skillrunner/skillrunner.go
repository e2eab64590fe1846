// Package skillrunner is the typed seam for the optional external skill
// plug-ins the spec treats as out-of-scope collaborators (PDF/DOCX
// extraction, diffing, and similar tools): the engine only needs to invoke
// one by name, derive its idempotency key, wait on it, and record the
// outcome. What a given skill actually does is the plug-in's concern.
package skillrunner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/enginectx"
	"github.com/antigravity-dev/taskforge/internal/errtaxonomy"
	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/workspace"
)

// Request is one invocation of a named skill against a set of input files.
type Request struct {
	TaskID      string
	SkillName   string
	Inputs      map[string]string // requirement name -> absolute path of the evidence file
	InputHashes map[string]string // requirement name -> sha256 hex digest, for the idempotency key
	Params      map[string]string
}

// Result is what a skill invocation produced.
type Result struct {
	Outputs map[string]string // output name -> text content
}

// Runner executes one skill invocation and returns its outputs, or an error
// the caller maps onto the SKILL_FAILED/SKILL_TIMEOUT taxonomy codes.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// IdempotencyKey derives skill_name ⊕ sorted(input_hashes) ⊕ params into one
// stable digest, so re-running the same skill call against the same
// evidence and parameters always resolves to the same prior SkillRun.
func IdempotencyKey(req Request) string {
	hashes := make([]string, 0, len(req.InputHashes))
	for name, hash := range req.InputHashes {
		hashes = append(hashes, name+"="+hash)
	}
	sort.Strings(hashes)

	params := make([]string, 0, len(req.Params))
	for k, v := range req.Params {
		params = append(params, k+"="+v)
	}
	sort.Strings(params)

	h := sha256.New()
	h.Write([]byte(req.SkillName))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(hashes, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(params, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// Invoke runs req against runner, reusing a prior SkillRun with the same
// idempotency key instead of repeating the work. On failure it applies the
// error taxonomy (SKILL_FAILED / SKILL_TIMEOUT) to task and returns nil: the
// caller observes the effect by re-reading the task, not via the error
// return, matching how the executor already treats absorbed skill failures.
func Invoke(ctx context.Context, ec *enginectx.Context, task planmodel.TaskNode, runner Runner, req Request) (Result, error) {
	key := IdempotencyKey(req)

	if prior, found, err := ec.Store.GetSkillRunByIdempotencyKey(ctx, key); err != nil {
		return Result{}, fmt.Errorf("skillrunner: lookup idempotency key: %w", err)
	} else if found && prior.Status == "SUCCEEDED" {
		return Result{Outputs: prior.Outputs}, nil
	}

	runID := uuid.NewString()
	hashes := make([]string, 0, len(req.InputHashes))
	for _, h := range req.InputHashes {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	run := planmodel.SkillRun{
		SkillRunID:     runID,
		TaskID:         task.TaskID,
		SkillName:      req.SkillName,
		InputHashes:    hashes,
		Params:         req.Params,
		IdempotencyKey: key,
		Status:         "RUNNING",
	}
	if err := ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.InsertSkillRun(ctx, tx, run)
	}); err != nil {
		return Result{}, fmt.Errorf("skillrunner: insert run: %w", err)
	}

	timeout := time.Duration(ec.Config.SkillTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, runErr := runner.Run(runCtx, req)

	status := "SUCCEEDED"
	code := errtaxonomy.SkillFailed
	if runErr != nil {
		status = "FAILED"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			code = errtaxonomy.SkillTimeout
		} else if errors.Is(runErr, ErrBadInput) {
			code = errtaxonomy.SkillBadInput
		}
	}

	if err := ec.Store.Tx(ctx, func(tx *sql.Tx) error {
		return ec.Store.CompleteSkillRun(ctx, tx, runID, status, result.Outputs)
	}); err != nil {
		return Result{}, fmt.Errorf("skillrunner: complete run: %w", err)
	}

	if runErr != nil {
		if err := errtaxonomy.Apply(ctx, ec.Store, task, code, runErr.Error(), code == errtaxonomy.SkillFailed, ec.Config.MaxTaskAttempts); err != nil {
			return Result{}, fmt.Errorf("skillrunner: apply error taxonomy: %w", err)
		}
		return Result{}, nil
	}

	return result, nil
}

// ErrBadInput marks a skill invocation that never started because its
// declared input was missing or unreadable (maps to SKILL_BAD_INPUT).
var ErrBadInput = errors.New("skillrunner: required input missing")

// NoopRunner is the default Runner when no skill container image is
// configured: it always fails with ErrBadInput, so a plan that declares a
// SKILL_OUTPUT requirement but never wires a real Runner blocks the task on
// WAITING_INPUT rather than silently fabricating output.
type NoopRunner struct{}

func (NoopRunner) Run(ctx context.Context, req Request) (Result, error) {
	return Result{}, fmt.Errorf("%w: no skill runner configured for %q", ErrBadInput, req.SkillName)
}

// DockerRunner executes a skill as a one-shot container: the declared input
// files are bind-mounted read-only, the container's stdout is captured as
// the skill's single output, under the key "stdout", and the container is removed once it
// exits. Adapted from the agent dispatcher's container-lifecycle idiom
// (create, start, wait, capture logs via stdcopy, remove).
type DockerRunner struct {
	Client *client.Client
	// Image maps a skill name to the container image that implements it
	// (e.g. "pdf_extract" -> "taskforge-skills/pdf-extract:latest").
	Image map[string]string
	// Layout is the workspace layout; Run does not read it, since input files
	// are bind-mounted from the paths in Request.Inputs.
	Layout workspace.Layout
}

func NewDockerRunner(cli *client.Client, images map[string]string, layout workspace.Layout) *DockerRunner {
	return &DockerRunner{Client: cli, Image: images, Layout: layout}
}

func (d *DockerRunner) Run(ctx context.Context, req Request) (Result, error) {
	image, ok := d.Image[req.SkillName]
	if !ok {
		return Result{}, fmt.Errorf("%w: no image registered for skill %q", ErrBadInput, req.SkillName)
	}
	if len(req.Inputs) == 0 {
		return Result{}, fmt.Errorf("%w: skill %q declared no input files", ErrBadInput, req.SkillName)
	}

	mounts := make([]mount.Mount, 0, len(req.Inputs))
	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.Inputs[name],
			Target:   fmt.Sprintf("/skill-input/%02d_%s", i, name),
			ReadOnly: true,
		})
	}

	containerName := fmt.Sprintf("taskforge-skill-%s-%d", req.SkillName, time.Now().UnixNano())
	resp, err := d.Client.ContainerCreate(ctx, &container.Config{
		Image:      image,
		WorkingDir: "/skill-input",
		Tty:        false,
	}, &container.HostConfig{Mounts: mounts}, nil, nil, containerName)
	if err != nil {
		return Result{}, fmt.Errorf("skillrunner: create container: %w", err)
	}
	defer d.Client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := d.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("skillrunner: start container: %w", err)
	}

	statusCh, errCh := d.Client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("skillrunner: wait container: %w", err)
		}
	case st := <-statusCh:
		if st.StatusCode != 0 {
			return Result{}, fmt.Errorf("skill %q exited with status %d", req.SkillName, st.StatusCode)
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	logs, err := d.Client.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("skillrunner: read logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("skillrunner: demux logs: %w", err)
	}

	return Result{Outputs: map[string]string{"stdout": strings.TrimSpace(stdout.String())}}, nil
}
