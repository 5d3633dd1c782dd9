package tune

import (
	"context"
	"time"
)

// Mode is the fix output format requested from the generator.
type Mode string

// Fix modes.
const (
	ModeDiff   Mode = "diff"
	ModeBundle Mode = "bundle"
)

// Verdict classifies how an attempt ended.
type Verdict string

// Attempt verdicts.
const (
	VerdictPushed         Verdict = "pushed"
	VerdictFormat         Verdict = "format_violation"
	VerdictScope          Verdict = "scope_violation"
	VerdictStability      Verdict = "stability_violation"
	VerdictApplyConflict  Verdict = "apply_conflict"
	VerdictApplyRejected  Verdict = "apply_rejected"
	VerdictNoChanges      Verdict = "no_changes"
	VerdictPushFailed     Verdict = "push_failed"
	VerdictGenerateFailed Verdict = "generate_failed"
	VerdictCIError        Verdict = "ci_error"
	VerdictAborted        Verdict = "aborted"
)

// diffFailure reports whether v counts toward bundle escalation.
func (v Verdict) diffFailure() bool {
	return v == VerdictFormat || v == VerdictApplyConflict
}

// AttemptRecord is the audit row for one attempt.
type AttemptRecord struct {
	Number       int
	Mode         Mode
	StartedAt    time.Time
	Duration     time.Duration
	CIRunID      int64
	CIRunURL     string
	Conclusion   string
	Evidence     string
	Prompt       string
	Response     string
	Verdict      Verdict
	Error        string
	Paths        []string
	CommitSHA    string
	PushOutput   string
	PolicyReport string
	// Reverify is the conclusion of the CI run that verified this attempt's push.
	Reverify string
}

// RunInfo identifies one tune run.
type RunInfo struct {
	ID         string
	Repo       string
	Branch     string
	Workflow   string
	WorkItemID string
	StartedAt  time.Time
}

// Outcome is the terminal result of a tune run.
type Outcome struct {
	RunID      string
	State      State
	Attempts   int
	LastRunURL string
	Detail     string
	FinishedAt time.Time
}

// ExitCode returns the process exit code for the outcome.
func (o *Outcome) ExitCode() int {
	return o.State.ExitCode()
}

// Recorder receives controller metrics.
type Recorder interface {
	ObserveAttempt(mode Mode, verdict Verdict)
	ObserveOutcome(state State)
	ObservePoll(elapsed time.Duration)
}

// Ledger persists runs and attempts.
type Ledger interface {
	StartRun(ctx context.Context, run *RunInfo) error
	RecordAttempt(ctx context.Context, runID string, rec *AttemptRecord) error
	FinishRun(ctx context.Context, outcome *Outcome) error
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(Mode, Verdict) {}
func (nopRecorder) ObserveOutcome(State) {}
func (nopRecorder) ObservePoll(time.Duration) {}

type nopLedger struct{}

func (nopLedger) StartRun(context.Context, *RunInfo) error { return nil }
func (nopLedger) RecordAttempt(context.Context, string, *AttemptRecord) error { return nil }
func (nopLedger) FinishRun(context.Context, *Outcome) error { return nil }
