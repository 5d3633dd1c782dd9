package github

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agenda-podcast/fd2/pkg/evidence"
	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/tune"
)

// ActionsOptions configures ActionsCI.
type ActionsOptions struct {
	// FindTimeout bounds the wait for a dispatched run to show up.
	FindTimeout time.Duration
	// FindPoll is the interval between run listings while finding.
	FindPoll time.Duration
	// RequestsPerSecond caps API calls; burst is fixed at 2.
	RequestsPerSecond float64
	// MaxEvidenceChars bounds the log text returned for a completed run.
	MaxEvidenceChars int
	// MaxArtifactBytes skips larger artifacts.
	MaxArtifactBytes int64
	// DownloadTimeout bounds each log or artifact download.
	DownloadTimeout time.Duration
}

// DefaultActionsOptions returns the production settings.
func DefaultActionsOptions() ActionsOptions {
	return ActionsOptions{
		FindTimeout:       2 * time.Minute,
		FindPoll:          DefaultFindPoll,
		RequestsPerSecond: 1,
		MaxEvidenceChars:  evidence.DefaultMaxLogChars,
		MaxArtifactBytes:  5 << 20,
		DownloadTimeout:   2 * time.Minute,
	}
}

// ActionsCI implements tune.CI on GitHub Actions.
type ActionsCI struct {
	client  *Client
	limiter *rate.Limiter
	opts    ActionsOptions
	logger  *logx.Logger
	now     func() time.Time
}

// NewActionsCI wraps client.
func NewActionsCI(client *Client, opts ActionsOptions) *ActionsCI {
	def := DefaultActionsOptions()
	if opts.FindTimeout <= 0 {
		opts.FindTimeout = def.FindTimeout
	}
	if opts.FindPoll <= 0 {
		opts.FindPoll = def.FindPoll
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = def.RequestsPerSecond
	}
	if opts.MaxEvidenceChars <= 0 {
		opts.MaxEvidenceChars = def.MaxEvidenceChars
	}
	if opts.MaxArtifactBytes <= 0 {
		opts.MaxArtifactBytes = def.MaxArtifactBytes
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = def.DownloadTimeout
	}
	return &ActionsCI{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 2),
		opts:    opts,
		logger:  logx.NewLogger("github"),
		now:     time.Now,
	}
}

// Dispatch triggers workflowID on ref and waits until the new run is listed.
func (a *ActionsCI) Dispatch(ctx context.Context, workflowID, ref string, inputs map[string]string) (tune.RunHandle, error) {
	start := a.now().UTC()
	if err := a.limiter.Wait(ctx); err != nil {
		return tune.RunHandle{}, err
	}
	if err := a.client.DispatchWorkflow(ctx, workflowID, ref, inputs); err != nil {
		return tune.RunHandle{}, err
	}
	run, err := a.client.FindRunSince(ctx, workflowID, ref, start, a.opts.FindTimeout, a.opts.FindPoll)
	if err != nil {
		return tune.RunHandle{}, err
	}
	a.logger.Info("run %d found: %s", run.ID, run.URL)
	return tune.RunHandle{ID: run.ID, URL: run.URL, Workflow: workflowID, Ref: ref}, nil
}

// Poll checks the run once. For a completed run it also gathers logs and text
// artifacts as evidence.
func (a *ActionsCI) Poll(ctx context.Context, h tune.RunHandle) (tune.RunStatus, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return tune.RunStatus{}, err
	}
	run, err := a.client.GetRun(ctx, h.ID)
	if err != nil {
		return tune.RunStatus{}, err
	}
	status := tune.RunStatus{Status: run.Status, Conclusion: run.Conclusion, URL: run.URL}
	logx.DebugFlow(ctx, "github", "poll", run.Status, fmt.Sprintf("run %d", h.ID))
	if !run.Completed() {
		return status, nil
	}

	logText, artifacts, err := a.collect(ctx, h.ID)
	if err != nil {
		return status, err
	}
	status.LogText = logText
	for _, art := range artifacts {
		status.Artifacts = append(status.Artifacts, art.Name)
	}
	return status, nil
}

// collect fetches logs and the artifact list concurrently, then appends text
// artifacts to the log text.
func (a *ActionsCI) collect(ctx context.Context, runID int64) (string, []Artifact, error) {
	dl := a.client.WithTimeout(a.opts.DownloadTimeout)

	var (
		logText   string
		artifacts []Artifact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.limiter.Wait(gctx); err != nil {
			return err
		}
		data, err := dl.DownloadRunLogs(gctx, runID)
		if err != nil {
			return err
		}
		text, err := evidence.ExtractLogsZip(data, a.opts.MaxEvidenceChars)
		if err != nil {
			return fmt.Errorf("run %d logs: %w", runID, err)
		}
		logText = text
		return nil
	})
	g.Go(func() error {
		if err := a.limiter.Wait(gctx); err != nil {
			return err
		}
		list, err := dl.ListRunArtifacts(gctx, runID)
		if err != nil {
			return err
		}
		artifacts = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString(logText)
	for _, art := range artifacts {
		if !textArtifact(art) || art.Expired || art.SizeInBytes > a.opts.MaxArtifactBytes {
			continue
		}
		if b.Len() >= a.opts.MaxEvidenceChars {
			break
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return "", nil, err
		}
		data, err := dl.DownloadArtifact(ctx, art.ID)
		if err != nil {
			a.logger.Warn("artifact %s skipped: %v", art.Name, err)
			continue
		}
		text, err := evidence.ExtractTextZip(data, a.opts.MaxEvidenceChars-b.Len())
		if err != nil || text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n## ARTIFACT %s\n%s", art.Name, text)
	}

	out := b.String()
	if len(out) > a.opts.MaxEvidenceChars {
		out = out[:a.opts.MaxEvidenceChars]
	}
	logx.DebugFlow(ctx, "github", "collect", "done", fmt.Sprintf("run %d: %d chars, %d artifacts", runID, len(out), len(artifacts)))
	return out, artifacts, nil
}

func textArtifact(a Artifact) bool {
	name := strings.ToLower(a.Name)
	return strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".log") || strings.Contains(name, "report")
}
