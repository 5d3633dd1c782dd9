package tune

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/bundle"
	"github.com/agenda-podcast/fd2/pkg/diffguard"
	"github.com/agenda-podcast/fd2/pkg/evidence"
	"github.com/agenda-podcast/fd2/pkg/manifest"
	"github.com/agenda-podcast/fd2/pkg/policy"
	"github.com/agenda-podcast/fd2/pkg/prompt"
	"github.com/agenda-podcast/fd2/pkg/snapshot"
)

// gather turns the last completed run plus carried errors into prompt input and
// the allow-list for the next attempt.
func (c *Controller) gather(r *run) {
	logText := r.status.LogText
	hits := c.deps.Extractor.Extract(logText)
	excerpts := evidence.FormatExcerpts(hits)

	wfPath := c.cfg.WorkflowPath()
	var wfExcerpt string
	var wfPaths []string
	if data, err := c.deps.Workspace.ReadFile(wfPath); err == nil {
		if wf, perr := evidence.ParseWorkflow(wfPath, data); perr == nil {
			wfExcerpt = wf.Excerpt(c.cfg.EvidenceMaxChars)
			wfPaths = wf.ReferencedPaths()
		} else {
			c.logger.Warn("workflow %s did not parse: %v", wfPath, perr)
			wfExcerpt = string(data)
		}
	} else {
		c.logger.Warn("read workflow %s: %v", wfPath, err)
	}

	carried := strings.TrimSpace(r.prevErr + "\n" + r.policyNote)
	failed := make([]string, 0, len(r.failedFiles))
	for p := range r.failedFiles {
		failed = append(failed, p)
	}
	sort.Strings(failed)

	// Carried guard errors name rejected paths; only log excerpts and policy
	// reports widen the allow-list.
	allowed := diffguard.NewAllowedFileSet(wfPath, evidence.PathTokens(excerpts+"\n"+r.policyNote, maxEvidencePaths), failed)
	for _, p := range wfPaths {
		allowed.Add(p)
	}

	mode := prompt.ModeDiff
	if r.mode == ModeBundle {
		mode = prompt.ModeBundle
	}
	r.allowed = allowed
	// The stability guard searches CI output only; carried rejections quote the
	// names they rejected.
	r.evidence = excerpts + "\n" + evidence.Head(logText, logHeadLines)
	r.input = &prompt.Input{
		Mode:            mode,
		WorkItemID:      c.cfg.WorkItemID,
		Branch:          c.cfg.Branch,
		WorkflowPath:    wfPath,
		Attempt:         r.attempt + 1,
		MaxAttempts:     c.cfg.MaxAttempts,
		AllowList:       allowed.Paths(),
		PreviousError:   carried,
		FailedFiles:     r.failedFiles,
		Excerpts:        excerpts,
		WorkflowExcerpt: wfExcerpt,
		LogHead:         evidence.Head(logText, logHeadLines),
	}

	r.artifacts.Writef(r.attempt+1, "workflow_summary.txt", "RUN_ID=%d\nSTATUS=%s\nCONCLUSION=%s\nURL=%s\n\n%s",
		r.handle.ID, r.status.Status, r.status.Conclusion, r.status.URL, evidence.Summarize(logText, c.deps.Extractor))
}

func (c *Controller) generate(ctx context.Context, r *run) State {
	r.attempt++
	n := r.attempt
	r.cur = &AttemptRecord{
		Number:     n,
		Mode:       r.mode,
		StartedAt:  c.deps.Now(),
		CIRunID:    r.handle.ID,
		CIRunURL:   r.status.URL,
		Conclusion: r.status.Conclusion,
		Evidence:   r.input.Excerpts,
	}
	c.logger.Info("🔧 attempt %d/%d (%s mode) for %s", n, c.cfg.MaxAttempts, r.mode, c.cfg.WorkItemID)

	if c.cfg.UploadSnapshot {
		if err := c.uploadSnapshot(ctx, r); err != nil {
			if abortable(ctx, err) {
				return c.abort(ctx, r, err)
			}
			c.logger.Warn("snapshot upload skipped: %v", err)
		}
	}

	built, err := c.deps.Prompts.Build(r.input)
	if err != nil {
		c.failAttempt(ctx, r, VerdictGenerateFailed, fmt.Errorf("build prompt: %w", err))
		return StateEvaluate
	}
	r.cur.Prompt = built.Prompt
	r.artifacts.Writef(n, "fix_prompt.txt", "%s", built.Prompt)

	if r.mode == ModeBundle {
		collector := bundle.NewCollector(c.deps.Generator, c.deps.Renderer,
			bundle.WithMaxParts(c.cfg.MaxBundleParts),
			bundle.WithRepairTries(c.cfg.FormatRepairTries),
			bundle.WithParseOptions(c.cfg.Manifest),
			bundle.WithSink(r.artifacts.Sink(n)),
		)
		m, parts, err := collector.Acquire(ctx, built.Prompt)
		r.cur.Response = strings.Join(parts, "\n")
		if err != nil {
			if abortable(ctx, err) {
				return c.abort(ctx, r, err)
			}
			verdict := VerdictGenerateFailed
			if manifest.IsFormat(err) {
				verdict = VerdictFormat
			}
			c.failAttempt(ctx, r, verdict, err)
			return StateEvaluate
		}
		r.bundle = m
		return StateValidate
	}

	out, err := c.deps.Generator.Generate(ctx, built.Prompt)
	if err != nil {
		if abortable(ctx, err) {
			return c.abort(ctx, r, err)
		}
		c.failAttempt(ctx, r, VerdictGenerateFailed, err)
		return StateEvaluate
	}
	r.candidate = out
	r.cur.Response = out
	r.artifacts.Writef(n, "response.txt", "%s", out)
	return StateValidate
}

func (c *Controller) validate(ctx context.Context, r *run) State {
	if r.bundle != nil {
		if err := r.bundle.Validate(); err != nil {
			r.artifacts.Writef(r.attempt, "parse_failed.txt", "%v\n", err)
			c.failAttempt(ctx, r, VerdictFormat, err)
			return StateEvaluate
		}
		return StateApply
	}

	text := diffguard.Clean(r.candidate)
	d, err := diffguard.Validate(ctx, text, r.allowed, r.evidence, c.deps.Workspace.Root())
	if err == nil {
		r.diff = d
		r.candidate = text
		return StateApply
	}

	// A response without a diff that still carries a complete manifest is applied
	// through the bundle path.
	if diffguard.CheckFormat(text) != nil {
		if res, perr := manifest.Parse(r.candidate, c.cfg.Manifest); perr == nil {
			c.logger.Info("📦 attempt %d returned a manifest instead of a diff (%s); applying it", r.attempt, res.Grammar)
			r.bundle = res.Manifest
			r.cur.Mode = ModeBundle
			if verr := r.bundle.Validate(); verr == nil {
				return StateApply
			}
			r.bundle = nil
		}
	}

	verdict := VerdictFormat
	var scopeErr *diffguard.ScopeError
	var stabilityErr *diffguard.StabilityError
	switch {
	case errors.As(err, &scopeErr):
		verdict = VerdictScope
	case errors.As(err, &stabilityErr):
		verdict = VerdictStability
	}
	r.artifacts.Writef(r.attempt, "parse_failed.txt", "%v\n", err)
	c.failAttempt(ctx, r, verdict, err)
	return c.afterFailure(r, verdict)
}

func (c *Controller) apply(ctx context.Context, r *run) State {
	ws := c.deps.Workspace
	if r.bundle != nil {
		res, err := apply.Apply(ctx, r.bundle, ws.Root())
		if err != nil {
			c.cleanTree(ctx)
			if p := rejectedPath(err); p != "" {
				r.failedFiles[p] = c.currentContents(p)
			}
			c.failAttempt(ctx, r, VerdictApplyRejected, err)
			return StateEvaluate
		}
		r.cur.Paths = append(append([]string{}, res.Written...), res.Deleted...)
	} else {
		if err := c.deps.Differ.Apply(ctx, r.diff, r.candidate); err != nil {
			var conflict *diffguard.ApplyConflictError
			verdict := VerdictApplyRejected
			if errors.As(err, &conflict) {
				verdict = VerdictApplyConflict
				for p, content := range conflict.Context {
					r.failedFiles[p] = content
				}
			}
			c.cleanTree(ctx)
			c.failAttempt(ctx, r, verdict, err)
			return c.afterFailure(r, verdict)
		}
		r.cur.Paths = r.diff.Touched()
		r.diffFailures = 0
	}
	r.failedFiles = make(map[string]string)

	r.policyNote = ""
	if len(c.deps.Oracles) > 0 {
		reports, err := policy.RunAll(ctx, ws.Root().Dir(), c.deps.Oracles...)
		if err != nil {
			c.logger.Warn("policy check: %v", err)
		}
		r.policyNote = policy.Failures(reports)
		r.cur.PolicyReport = r.policyNote
		if r.policyNote != "" {
			r.artifacts.Writef(r.attempt, "policy.txt", "%s\n", r.policyNote)
		}
	}

	if status, err := ws.Status(ctx); err == nil {
		r.artifacts.Writef(r.attempt, "git_status.txt", "%s\n", status)
	}
	return StatePush
}

func (c *Controller) push(ctx context.Context, r *run) State {
	ws := c.deps.Workspace
	msg := fmt.Sprintf("fd2: %s attempt %d/%d (%s)", c.cfg.WorkItemID, r.attempt, c.cfg.MaxAttempts, r.cur.Mode)
	committed, err := ws.CommitAll(ctx, msg)
	if err != nil {
		c.rewind(ctx)
		c.failAttempt(ctx, r, VerdictPushFailed, err)
		return StateEvaluate
	}
	if !committed {
		c.failAttempt(ctx, r, VerdictNoChanges, errors.New("the fix left the tree unchanged"))
		return StateEvaluate
	}

	out, err := ws.PushWithRetry(ctx, c.cfg.PushRetries)
	r.artifacts.Writef(r.attempt, "git_push.txt", "%s\n", out)
	r.cur.PushOutput = out
	if err != nil {
		if ctx.Err() != nil {
			return c.abort(ctx, r, ctx.Err())
		}
		c.rewind(ctx)
		c.failAttempt(ctx, r, VerdictPushFailed, err)
		return StateEvaluate
	}
	sha, err := ws.HeadSHA(ctx)
	if err != nil {
		c.logger.Warn("read head after push: %v", err)
	}

	r.cur.CommitSHA = sha
	r.cur.Verdict = VerdictPushed
	r.cur.Duration = c.deps.Now().Sub(r.cur.StartedAt)
	c.deps.Recorder.ObserveAttempt(r.cur.Mode, VerdictPushed)
	c.logger.Info("📤 attempt %d pushed %s touching %v", r.attempt, sha, r.cur.Paths)

	// Policy failures do not block the push; they become the next attempt's evidence.
	r.prevErr = r.policyNote
	r.pending = r.cur
	c.resetAttempt(r)
	return StateDispatch
}

// rejectedPath names the manifest path the apply engine refused, if any.
func rejectedPath(err error) string {
	var pathErr *apply.PathSecurityError
	if errors.As(err, &pathErr) {
		return pathErr.Path
	}
	var encErr *apply.EncodingError
	if errors.As(err, &encErr) {
		return encErr.Path
	}
	return ""
}

// currentContents returns the worktree copy of p, or "" when it is missing or
// unreadable through the guard.
func (c *Controller) currentContents(p string) string {
	data, err := c.deps.Workspace.ReadFile(p)
	if err != nil {
		return ""
	}
	return string(data)
}

func (c *Controller) cleanTree(ctx context.Context) {
	if err := c.deps.Workspace.ResetHard(ctx); err != nil {
		c.logger.Warn("reset worktree: %v", err)
	}
}

func (c *Controller) rewind(ctx context.Context) {
	if err := c.deps.Workspace.Rewind(ctx); err != nil {
		c.logger.Warn("rewind worktree: %v", err)
	}
}

// uploadSnapshot sends the application source to the generator in chunks before
// the fix prompt. The latest stored snapshot is preferred over a fresh one.
func (c *Controller) uploadSnapshot(ctx context.Context, r *run) error {
	root := c.deps.Workspace.Root().Dir()
	text, err := snapshot.Latest(root)
	if err != nil || text == "" {
		text, err = snapshot.Make(root, snapshot.Options{})
		if err != nil {
			return fmt.Errorf("make snapshot: %w", err)
		}
	}
	chunks := snapshot.Chunks(text, c.cfg.SnapshotMaxChars, c.cfg.SnapshotChunkSize)
	for i, chunk := range chunks {
		p, err := c.deps.Renderer.SnapshotChunk(i+1, len(chunks), chunk)
		if err != nil {
			return err
		}
		r.artifacts.Writef(r.attempt, fmt.Sprintf("snapshot_%d_of_%d.txt", i+1, len(chunks)), "%s", p)
		if _, err := c.deps.Generator.Generate(ctx, p); err != nil {
			return err
		}
	}
	if len(chunks) > 0 {
		c.logger.Info("📚 uploaded snapshot in %d chunk(s)", len(chunks))
	}
	return nil
}
