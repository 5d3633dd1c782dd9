package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agenda-podcast/fd2/pkg/tune"
)

// maxTextColumn bounds stored prompts, responses and evidence. Artifacts keep the
// full text.
const maxTextColumn = 256 * 1024

// stateRunning marks a run that has not finished.
const stateRunning = "RUNNING"

// Run is one row of the runs table.
type Run struct {
	ID         string
	Repo       string
	Branch     string
	Workflow   string
	WorkItemID string
	StartedAt  time.Time
	FinishedAt *time.Time
	State      string
	Attempts   int
	LastRunURL string
	Detail     string
}

// Finished reports whether the run reached a terminal state.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// Attempt is one row of the attempts table.
type Attempt struct {
	RunID string
	tune.AttemptRecord
}

var _ tune.Ledger = (*Ledger)(nil)

// StartRun inserts a run in the RUNNING state.
func (l *Ledger) StartRun(ctx context.Context, run *tune.RunInfo) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, repo, branch, workflow, work_item_id, started_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Repo, run.Branch, run.Workflow, run.WorkItemID, formatTime(run.StartedAt), stateRunning)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// RecordAttempt stores rec, replacing an earlier row with the same number.
func (l *Ledger) RecordAttempt(ctx context.Context, runID string, rec *tune.AttemptRecord) error {
	paths, err := json.Marshal(rec.Paths)
	if err != nil {
		return fmt.Errorf("failed to marshal paths: %w", err)
	}
	if rec.Paths == nil {
		paths = []byte("[]")
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attempts (
			run_id, number, mode, started_at, duration_ms, ci_run_id, ci_run_url, conclusion,
			evidence, prompt, response, verdict, error, paths, commit_sha, push_output,
			policy_report, reverify
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Number, string(rec.Mode), formatTime(rec.StartedAt), rec.Duration.Milliseconds(),
		rec.CIRunID, rec.CIRunURL, rec.Conclusion,
		clip(rec.Evidence), clip(rec.Prompt), clip(rec.Response),
		string(rec.Verdict), rec.Error, string(paths), rec.CommitSHA, rec.PushOutput,
		rec.PolicyReport, rec.Reverify)
	if err != nil {
		return fmt.Errorf("failed to record attempt %d of run %s: %w", rec.Number, runID, err)
	}
	return nil
}

// FinishRun stores the terminal outcome of a run.
func (l *Ledger) FinishRun(ctx context.Context, outcome *tune.Outcome) error {
	finished := outcome.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, state = ?, attempts = ?, last_run_url = ?, detail = ?
		WHERE id = ?`,
		formatTime(finished), string(outcome.State), outcome.Attempts, outcome.LastRunURL, outcome.Detail, outcome.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", outcome.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", outcome.RunID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, repo, branch, workflow, work_item_id, started_at, finished_at, state, attempts, last_run_url, detail`

// GetRun returns the run with the given id. A unique id prefix is accepted.
func (l *Ledger) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, ErrNotFound) || len(id) < 4 {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE substr(id, 1, ?) = ? LIMIT 2`, len(id), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run prefix %s is ambiguous", id)
	}
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return collectRuns(rows)
}

// ListAttempts returns the attempts of a run in order.
func (l *Ledger) ListAttempts(ctx context.Context, runID string) ([]*Attempt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, number, mode, started_at, duration_ms, ci_run_id, ci_run_url, conclusion,
		       evidence, prompt, response, verdict, error, paths, commit_sha, push_output,
		       policy_report, reverify
		FROM attempts WHERE run_id = ? ORDER BY number`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts of run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var mode, verdict, started, paths string
		var durationMS int64
		if err := rows.Scan(
			&a.RunID, &a.Number, &mode, &started, &durationMS, &a.CIRunID, &a.CIRunURL, &a.Conclusion,
			&a.Evidence, &a.Prompt, &a.Response, &verdict, &a.Error, &paths, &a.CommitSHA, &a.PushOutput,
			&a.PolicyReport, &a.Reverify,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Mode = tune.Mode(mode)
		a.Verdict = tune.Verdict(verdict)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if a.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paths), &a.Paths); err != nil {
			return nil, fmt.Errorf("failed to parse paths of attempt %d: %w", a.Number, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var started string
	var finished sql.NullString
	err := row.Scan(&r.ID, &r.Repo, &r.Branch, &r.Workflow, &r.WorkItemID, &started, &finished,
		&r.State, &r.Attempts, &r.LastRunURL, &r.Detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		r.FinishedAt = &t
	}
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	defer func() { _ = rows.Close() }()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func clip(s string) string {
	if len(s) <= maxTextColumn {
		return s
	}
	return strings.ToValidUTF8(s[:maxTextColumn], "")
}
