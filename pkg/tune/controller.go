// Package tune runs the CI tune loop: dispatch a workflow, read its failure,
// generate a guarded fix, push it and verify again until the run is green or the
// attempt budget is spent.
package tune

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/diffguard"
	"github.com/agenda-podcast/fd2/pkg/evidence"
	"github.com/agenda-podcast/fd2/pkg/llm/llmerrors"
	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/manifest"
	"github.com/agenda-podcast/fd2/pkg/policy"
	"github.com/agenda-podcast/fd2/pkg/prompt"
	"github.com/agenda-podcast/fd2/pkg/templates"
)

// Workspace is the checkout a tune run edits and pushes.
type Workspace interface {
	Root() *apply.Root
	ReadFile(rel string) ([]byte, error)
	Status(ctx context.Context) (string, error)
	CommitAll(ctx context.Context, message string) (bool, error)
	PushWithRetry(ctx context.Context, retries int) (string, error)
	HeadSHA(ctx context.Context) (string, error)
	ResetHard(ctx context.Context) error
	Rewind(ctx context.Context) error
}

// DiffApplier applies a validated diff to the workspace.
type DiffApplier interface {
	Apply(ctx context.Context, d *diffguard.Diff, text string) error
}

// Deps are the collaborators of a Controller. CI, Generator, Workspace, Differ,
// Prompts and Renderer are required.
type Deps struct {
	CI        CI
	Generator Generator
	Workspace Workspace
	Differ    DiffApplier
	Prompts   *prompt.Builder
	Renderer  *templates.Renderer
	Extractor evidence.Extractor
	Oracles   []policy.Oracle
	Recorder  Recorder
	Ledger    Ledger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller drives one work item through the tune loop. A Controller is not safe
// for concurrent use; one run at a time per branch.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *logx.Logger
}

// NewController validates deps and fills defaults.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.CI == nil:
		return nil, errors.New("tune: CI is required")
	case deps.Generator == nil:
		return nil, errors.New("tune: generator is required")
	case deps.Workspace == nil:
		return nil, errors.New("tune: workspace is required")
	case deps.Differ == nil:
		return nil, errors.New("tune: diff applier is required")
	case deps.Prompts == nil || deps.Renderer == nil:
		return nil, errors.New("tune: prompt builder and renderer are required")
	}
	if cfg.Workflow == "" || cfg.Branch == "" {
		return nil, errors.New("tune: workflow and branch are required")
	}
	cfg.withDefaults()
	if deps.Extractor == nil {
		deps.Extractor = evidence.NewPatternExtractor()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Ledger == nil {
		deps.Ledger = nopLedger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Controller{cfg: cfg, deps: deps, logger: logx.NewLogger("tune")}, nil
}

// run is the mutable state of one Run call.
type run struct {
	id        string
	state     State
	mode      Mode
	artifacts *Artifacts

	attempt      int // attempts consumed
	diffFailures int // consecutive diff-format or diff-apply failures
	needsRun     bool

	handle     RunHandle
	status     RunStatus
	dispatched time.Time

	prevErr     string
	policyNote  string
	failedFiles map[string]string

	input    *prompt.Input
	evidence string
	allowed  *diffguard.AllowedFileSet

	cur       *AttemptRecord
	pending   *AttemptRecord
	candidate string
	diff      *diffguard.Diff
	bundle    *manifest.Manifest

	detail string
}

// Run executes the loop until a terminal state. The returned error is non-nil
// only when the run could not be set up; every terminal state is an Outcome.
func (c *Controller) Run(ctx context.Context) (*Outcome, error) {
	r := &run{
		id:          uuid.NewString(),
		state:       StateDispatch,
		mode:        ModeDiff,
		failedFiles: make(map[string]string),
	}
	arts, err := NewArtifacts(c.cfg.ArtifactsDir, r.id)
	if err != nil {
		return nil, err
	}
	r.artifacts = arts

	info := &RunInfo{
		ID:         r.id,
		Repo:       c.cfg.Repo,
		Branch:     c.cfg.Branch,
		Workflow:   c.cfg.Workflow,
		WorkItemID: c.cfg.WorkItemID,
		StartedAt:  c.deps.Now(),
	}
	if err := c.deps.Ledger.StartRun(ctx, info); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}
	c.logger.Info("🚀 tune run %s: %s on %s (max %d attempts)", r.id, c.cfg.Workflow, c.cfg.Branch, c.cfg.MaxAttempts)

	for !r.state.IsTerminal() {
		var next State
		if err := ctx.Err(); err != nil {
			next = c.abort(ctx, r, err)
		} else {
			next = c.step(ctx, r)
		}
		if !IsValidTransition(r.state, next) {
			return nil, &TransitionError{From: r.state, To: next}
		}
		logx.DebugState(ctx, "tune", "transition", fmt.Sprintf("%s -> %s", r.state, next),
			fmt.Sprintf("attempt %d, mode %s", r.attempt, r.mode))
		r.state = next
	}

	return c.finish(ctx, r), nil
}

func (c *Controller) step(ctx context.Context, r *run) State {
	switch r.state {
	case StateDispatch:
		return c.dispatch(ctx, r)
	case StateAwaitCompletion:
		return c.await(ctx, r)
	case StateEvaluate:
		return c.evaluate(ctx, r)
	case StateGenerateFix:
		return c.generate(ctx, r)
	case StateValidate:
		return c.validate(ctx, r)
	case StateApply:
		return c.apply(ctx, r)
	case StatePush:
		return c.push(ctx, r)
	case StateEscalateToBundle:
		c.logger.Warn("⬆️  %d consecutive diff failures, switching to bundle mode for %s", r.diffFailures, c.cfg.WorkItemID)
		r.mode = ModeBundle
		return StateEvaluate
	default:
		return r.state
	}
}

func (c *Controller) dispatch(ctx context.Context, r *run) State {
	n := r.attempt + 1
	h, err := c.deps.CI.Dispatch(ctx, c.cfg.Workflow, c.cfg.Branch, c.cfg.Inputs)
	if err != nil {
		if ctx.Err() != nil {
			return c.abort(ctx, r, ctx.Err())
		}
		r.artifacts.Writef(n, "dispatch.txt", "ERROR: %v\n", err)
		c.ciFailure(ctx, r, fmt.Sprintf("dispatch failed: %v", err))
		return StateEvaluate
	}
	r.handle = h
	r.status = RunStatus{}
	r.dispatched = c.deps.Now()
	r.artifacts.Writef(n, "dispatch.txt", "RUN_ID=%d\nURL=%s\nREF=%s\n", h.ID, h.URL, h.Ref)
	c.logger.Info("▶️  dispatched run %d on %s: %s", h.ID, c.cfg.Branch, h.URL)
	return StateAwaitCompletion
}

func (c *Controller) await(ctx context.Context, r *run) State {
	deadline := r.dispatched.Add(c.cfg.RunDeadline)
	for {
		st, err := c.deps.CI.Poll(ctx, r.handle)
		switch {
		case err != nil && ctx.Err() != nil:
			return c.abort(ctx, r, ctx.Err())
		case err != nil:
			c.logger.Warn("poll run %d: %v", r.handle.ID, err)
		case st.Completed():
			r.status = st
			elapsed := c.deps.Now().Sub(r.dispatched)
			c.deps.Recorder.ObservePoll(elapsed)
			c.logger.Info("🏁 run %d completed: %s after %s", r.handle.ID, st.Conclusion, elapsed.Round(time.Second))
			if st.LogText != "" {
				r.artifacts.Write(fmt.Sprintf("run_%d_attempt_%d.log", r.handle.ID, r.attempt+1), st.LogText)
			}
			c.flushPending(ctx, r, st.Conclusion)
			return StateEvaluate
		default:
			r.status = st
		}
		if !c.deps.Now().Before(deadline) {
			c.ciFailure(ctx, r, fmt.Sprintf("run %d did not complete within %s (last status %q)",
				r.handle.ID, c.cfg.RunDeadline, r.status.Status))
			return StateEvaluate
		}
		if err := c.deps.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return c.abort(ctx, r, err)
		}
	}
}

func (c *Controller) evaluate(ctx context.Context, r *run) State {
	if r.needsRun {
		if r.attempt >= c.cfg.MaxAttempts {
			r.detail = "attempts exhausted: " + r.prevErr
			return StateDoneFailure
		}
		r.needsRun = false
		if err := c.deps.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return c.abort(ctx, r, err)
		}
		return StateDispatch
	}
	if r.status.Succeeded() {
		if r.attempt == 0 {
			c.logger.Info("✅ %s is already green on %s; nothing to do", c.cfg.Workflow, c.cfg.Branch)
		} else {
			c.logger.Info("✅ %s green after %d attempt(s)", c.cfg.Workflow, r.attempt)
		}
		return StateDoneSuccess
	}
	if r.attempt >= c.cfg.MaxAttempts {
		r.detail = fmt.Sprintf("%d attempts exhausted; last conclusion %q", r.attempt, r.status.Conclusion)
		return StateDoneFailure
	}
	c.gather(r)
	return StateGenerateFix
}

// ciFailure consumes an attempt for a run that produced no usable evidence.
func (c *Controller) ciFailure(ctx context.Context, r *run, msg string) {
	c.logger.Warn("⚠️  %s", msg)
	c.flushPending(ctx, r, "error")
	r.attempt++
	r.prevErr = msg
	r.needsRun = true
	rec := &AttemptRecord{
		Number:    r.attempt,
		Mode:      r.mode,
		StartedAt: c.deps.Now(),
		CIRunID:   r.handle.ID,
		CIRunURL:  r.handle.URL,
		Verdict:   VerdictCIError,
		Error:     msg,
	}
	c.record(ctx, r, rec)
}

// failAttempt closes the current attempt without a push.
func (c *Controller) failAttempt(ctx context.Context, r *run, verdict Verdict, err error) {
	msg := err.Error()
	var conflict *diffguard.ApplyConflictError
	if errors.As(err, &conflict) && conflict.Output != "" {
		msg += "\n" + conflict.Output
	}
	c.logger.Warn("❌ attempt %d/%d %s: %v", r.attempt, c.cfg.MaxAttempts, verdict, err)
	r.artifacts.Writef(r.attempt, "error.txt", "VERDICT=%s\n%s\n", verdict, msg)
	r.prevErr = msg
	if r.cur != nil {
		r.cur.Verdict = verdict
		r.cur.Error = msg
		c.record(ctx, r, r.cur)
	}
	c.resetAttempt(r)
}

// afterFailure routes a failed attempt, escalating to bundle mode once diff
// failures reach the threshold.
func (c *Controller) afterFailure(r *run, verdict Verdict) State {
	if r.mode == ModeDiff && verdict.diffFailure() {
		r.diffFailures++
		if r.diffFailures >= c.cfg.EscalateAfter {
			return StateEscalateToBundle
		}
	}
	return StateEvaluate
}

func (c *Controller) record(ctx context.Context, r *run, rec *AttemptRecord) {
	if rec.Duration == 0 && !rec.StartedAt.IsZero() {
		rec.Duration = c.deps.Now().Sub(rec.StartedAt)
	}
	c.deps.Recorder.ObserveAttempt(rec.Mode, rec.Verdict)
	if err := c.deps.Ledger.RecordAttempt(context.WithoutCancel(ctx), r.id, rec); err != nil {
		c.logger.Warn("record attempt %d: %v", rec.Number, err)
	}
}

// flushPending records the last pushed attempt with its re-verification result.
func (c *Controller) flushPending(ctx context.Context, r *run, conclusion string) {
	if r.pending == nil {
		return
	}
	r.pending.Reverify = conclusion
	if err := c.deps.Ledger.RecordAttempt(context.WithoutCancel(ctx), r.id, r.pending); err != nil {
		c.logger.Warn("record attempt %d: %v", r.pending.Number, err)
	}
	r.pending = nil
}

func (c *Controller) resetAttempt(r *run) {
	r.cur = nil
	r.candidate = ""
	r.diff = nil
	r.bundle = nil
}

func (c *Controller) abort(ctx context.Context, r *run, err error) State {
	if r.detail == "" {
		r.detail = err.Error()
	}
	c.logger.Error("🛑 aborting tune run %s: %v", r.id, err)
	if r.cur != nil {
		r.cur.Verdict = VerdictAborted
		r.cur.Error = err.Error()
		c.record(ctx, r, r.cur)
		c.resetAttempt(r)
	}
	c.flushPending(ctx, r, "aborted")
	return StateDoneAborted
}

// abortable reports whether err must end the run rather than the attempt.
func abortable(ctx context.Context, err error) bool {
	return ctx.Err() != nil || llmerrors.IsQuotaExceeded(err)
}

func (c *Controller) finish(ctx context.Context, r *run) *Outcome {
	c.flushPending(ctx, r, r.status.Conclusion)
	out := &Outcome{
		RunID:      r.id,
		State:      r.state,
		Attempts:   r.attempt,
		LastRunURL: r.status.URL,
		Detail:     r.detail,
		FinishedAt: c.deps.Now(),
	}
	if out.LastRunURL == "" {
		out.LastRunURL = r.handle.URL
	}
	c.deps.Recorder.ObserveOutcome(r.state)
	if err := c.deps.Ledger.FinishRun(context.WithoutCancel(ctx), out); err != nil {
		c.logger.Warn("record run outcome: %v", err)
	}
	r.artifacts.Write("outcome.txt", fmt.Sprintf("STATE=%s\nATTEMPTS=%d\nURL=%s\nDETAIL=%s\n",
		out.State, out.Attempts, out.LastRunURL, out.Detail))

	switch r.state {
	case StateDoneSuccess:
		c.logger.Info("🎉 tune run %s succeeded after %d attempt(s)", r.id, r.attempt)
	case StateDoneAborted:
		c.logger.Warn("🛑 tune run %s aborted: %s", r.id, r.detail)
	default:
		c.logger.Error("💥 tune run %s failed: %s", r.id, r.detail)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // context errors are matched by callers
	case <-t.C:
		return nil
	}
}
