package github

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"
)

const (
	// RunStatusCompleted is the status of a finished workflow run.
	RunStatusCompleted = "completed"
	// ConclusionSuccess is the conclusion of a passing run.
	ConclusionSuccess = "success"
)

// runLookback tolerates clock skew between the dispatcher and GitHub.
const runLookback = 5 * time.Second

// DefaultFindPoll is how often FindRunSince lists runs.
const DefaultFindPoll = 3 * time.Second

// WorkflowRun represents a GitHub Actions workflow run.
//
//nolint:govet // Logical grouping preferred over memory optimization
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Status     string    `json:"status"`     // queued, in_progress, completed
	Conclusion string    `json:"conclusion"` // success, failure, cancelled, skipped, etc. (only for completed runs)
	WorkflowID int64     `json:"workflow_id"`
	URL        string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	RunNumber  int       `json:"run_number"`
	Event      string    `json:"event"`
	RunAttempt int       `json:"run_attempt"`
}

// Completed reports whether the run reached a terminal status.
func (r *WorkflowRun) Completed() bool {
	return r.Status == RunStatusCompleted
}

// WorkflowRunsResponse represents the API response for listing workflow runs.
//
//nolint:govet // fieldalignment: API response struct, field order matches API
type WorkflowRunsResponse struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []WorkflowRun `json:"workflow_runs"`
}

// Artifact is a file bundle uploaded by a workflow run.
type Artifact struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	SizeInBytes int64  `json:"size_in_bytes"`
	Expired     bool   `json:"expired"`
}

// ArtifactsResponse represents the API response for listing run artifacts.
type ArtifactsResponse struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []Artifact `json:"artifacts"`
}

// DispatchWorkflow triggers a workflow_dispatch event for workflow (file name or
// ID) on ref.
func (c *Client) DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error {
	endpoint := fmt.Sprintf("/repos/%s/actions/workflows/%s/dispatches", c.RepoPath(), url.PathEscape(workflow))
	args := []string{"api", "-X", "POST", endpoint, "-f", "ref=" + ref}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-f", fmt.Sprintf("inputs[%s]=%s", k, inputs[k]))
	}

	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to dispatch %s on %s: %w", workflow, ref, err)
	}
	c.logger.Info("🚀 dispatched %s on %s", workflow, ref)
	return nil
}

// ListWorkflowRuns returns the most recent dispatch runs of workflow on branch.
func (c *Client) ListWorkflowRuns(ctx context.Context, workflow, branch string) ([]WorkflowRun, error) {
	q := url.Values{}
	q.Set("branch", branch)
	q.Set("event", "workflow_dispatch")
	q.Set("per_page", "20")
	endpoint := fmt.Sprintf("/repos/%s/actions/workflows/%s/runs?%s", c.RepoPath(), url.PathEscape(workflow), q.Encode())

	var response WorkflowRunsResponse
	if err := c.runJSON(ctx, &response, "api", endpoint); err != nil {
		return nil, fmt.Errorf("failed to list runs of %s: %w", workflow, err)
	}
	return response.WorkflowRuns, nil
}

// FindRunSince polls until a run of workflow on branch created at or after
// since (less a small lookback) appears, or timeout passes. The newest match wins.
func (c *Client) FindRunSince(ctx context.Context, workflow, branch string, since time.Time, timeout, poll time.Duration) (*WorkflowRun, error) {
	if poll <= 0 {
		poll = DefaultFindPoll
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	threshold := since.Add(-runLookback)
	for {
		runs, err := c.ListWorkflowRuns(ctx, workflow, branch)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("listing runs failed, retrying: %v", err)
		}
		if run := newestSince(runs, threshold); run != nil {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no run of %s on %s appeared within %s: %w", workflow, branch, timeout, ctx.Err())
		case <-time.After(poll):
		}
	}
}

func newestSince(runs []WorkflowRun, threshold time.Time) *WorkflowRun {
	var best *WorkflowRun
	for i := range runs {
		r := &runs[i]
		if r.CreatedAt.Before(threshold) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) || (r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best = r
		}
	}
	return best
}

// GetRun retrieves one workflow run.
func (c *Client) GetRun(ctx context.Context, runID int64) (*WorkflowRun, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runs/%d", c.RepoPath(), runID)
	var run WorkflowRun
	if err := c.runJSON(ctx, &run, "api", endpoint); err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", runID, err)
	}
	return &run, nil
}

// DownloadRunLogs returns the zip archive of a run's logs.
func (c *Client) DownloadRunLogs(ctx context.Context, runID int64) ([]byte, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runs/%d/logs", c.RepoPath(), runID)
	data, err := c.run(ctx, "api", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to download logs of run %d: %w", runID, err)
	}
	return data, nil
}

// ListRunArtifacts lists the artifacts a run uploaded.
func (c *Client) ListRunArtifacts(ctx context.Context, runID int64) ([]Artifact, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runs/%d/artifacts?per_page=100", c.RepoPath(), runID)
	var response ArtifactsResponse
	if err := c.runJSON(ctx, &response, "api", endpoint); err != nil {
		return nil, fmt.Errorf("failed to list artifacts of run %d: %w", runID, err)
	}
	return response.Artifacts, nil
}

// DownloadArtifact returns an artifact's zip archive.
func (c *Client) DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/artifacts/%d/zip", c.RepoPath(), artifactID)
	data, err := c.run(ctx, "api", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact %d: %w", artifactID, err)
	}
	return data, nil
}
