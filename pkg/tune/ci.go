package tune

import "context"

// Run statuses and conclusions as reported by CI.
const (
	StatusCompleted   = "completed"
	ConclusionSuccess = "success"
)

// RunHandle identifies a dispatched CI run.
type RunHandle struct {
	ID       int64
	URL      string
	Workflow string
	Ref      string
}

// RunStatus is a snapshot of a CI run. LogText and Artifacts are filled once the
// run has completed.
type RunStatus struct {
	Status     string
	Conclusion string
	LogText    string
	Artifacts  []string
	URL        string
}

// Completed reports whether the run reached a terminal status.
func (s RunStatus) Completed() bool {
	return s.Status == StatusCompleted
}

// Succeeded reports whether the run completed green.
func (s RunStatus) Succeeded() bool {
	return s.Completed() && s.Conclusion == ConclusionSuccess
}

// CI dispatches workflow runs and reports their progress.
type CI interface {
	Dispatch(ctx context.Context, workflowID, ref string, inputs map[string]string) (RunHandle, error)
	Poll(ctx context.Context, h RunHandle) (RunStatus, error)
}

// Generator produces text for a prompt. Timeouts travel in ctx.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
