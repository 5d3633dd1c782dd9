package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenda-podcast/fd2/pkg/tune"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.StartRun(ctx, &tune.RunInfo{
		ID: "run-abc123", Repo: "acme/site", Branch: "main", Workflow: "ci.yml", WorkItemID: "WI-TUNE", StartedAt: start,
	}))

	run, err := l.GetRun(ctx, "run-abc123")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", run.State)
	assert.False(t, run.Finished())
	assert.True(t, start.Equal(run.StartedAt))

	require.NoError(t, l.RecordAttempt(ctx, "run-abc123", &tune.AttemptRecord{
		Number:    1,
		Mode:      tune.ModeDiff,
		StartedAt: start.Add(time.Minute),
		Duration:  1500 * time.Millisecond,
		CIRunID:   42,
		Verdict:   tune.VerdictFormat,
		Error:     "first line is not 'diff --git'",
	}))
	require.NoError(t, l.RecordAttempt(ctx, "run-abc123", &tune.AttemptRecord{
		Number:       2,
		Mode:         tune.ModeBundle,
		StartedAt:    start.Add(2 * time.Minute),
		Verdict:      tune.VerdictPushed,
		Paths:        []string{"scripts/test.sh", "requirements.txt"},
		CommitSHA:    "cafef00d",
		PolicyReport: "FD_POLICY_FAIL: ascii",
		Reverify:     "success",
	}))

	require.NoError(t, l.FinishRun(ctx, &tune.Outcome{
		RunID: "run-abc123", State: tune.StateDoneSuccess, Attempts: 2,
		LastRunURL: "https://ci.example/runs/43", FinishedAt: start.Add(10 * time.Minute),
	}))

	run, err = l.GetRun(ctx, "run-abc")
	require.NoError(t, err, "prefix lookup")
	assert.Equal(t, string(tune.StateDoneSuccess), run.State)
	assert.Equal(t, 2, run.Attempts)
	require.True(t, run.Finished())
	assert.True(t, start.Add(10*time.Minute).Equal(*run.FinishedAt))

	attempts, err := l.ListAttempts(ctx, "run-abc123")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, tune.VerdictFormat, attempts[0].Verdict)
	assert.Equal(t, 1500*time.Millisecond, attempts[0].Duration)
	assert.Equal(t, int64(42), attempts[0].CIRunID)
	assert.Empty(t, attempts[0].Paths)
	assert.Equal(t, []string{"scripts/test.sh", "requirements.txt"}, attempts[1].Paths)
	assert.Equal(t, "success", attempts[1].Reverify)
	assert.Equal(t, "FD_POLICY_FAIL: ascii", attempts[1].PolicyReport)
}

func TestRecordAttemptReplaces(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.StartRun(ctx, &tune.RunInfo{ID: "r1", Branch: "main", Workflow: "ci.yml", StartedAt: time.Now()}))

	rec := &tune.AttemptRecord{Number: 1, Mode: tune.ModeDiff, StartedAt: time.Now(), Verdict: tune.VerdictPushed}
	require.NoError(t, l.RecordAttempt(ctx, "r1", rec))
	rec.Reverify = "failure"
	require.NoError(t, l.RecordAttempt(ctx, "r1", rec))

	attempts, err := l.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "failure", attempts[0].Reverify)
}

func TestAttemptRequiresRun(t *testing.T) {
	l := openTestLedger(t)
	err := l.RecordAttempt(context.Background(), "missing", &tune.AttemptRecord{Number: 1, Verdict: tune.VerdictCIError})
	require.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.GetRun(context.Background(), "nope-nope")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	err = l.FinishRun(context.Background(), &tune.Outcome{RunID: "nope", State: tune.StateDoneFailure})
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	for _, id := range []string{"abcd-1", "abcd-2"} {
		require.NoError(t, l.StartRun(ctx, &tune.RunInfo{ID: id, Branch: "main", Workflow: "ci.yml", StartedAt: time.Now()}))
	}
	_, err := l.GetRun(ctx, "abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.StartRun(ctx, &tune.RunInfo{
			ID: fmt.Sprintf("run-%d", i), Branch: "main", Workflow: "ci.yml", StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := l.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)

	all, err := l.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestInMemoryLedger(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	require.NoError(t, l.StartRun(ctx, &tune.RunInfo{ID: "mem", Branch: "main", Workflow: "ci.yml", StartedAt: time.Now()}))
	_, err = l.GetRun(ctx, "mem")
	require.NoError(t, err)
}

func TestMigrationFromVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = GetSchemaVersion(db)
	require.NoError(t, err)
	for _, ddl := range schemaV1 {
		_, err := db.Exec(ddl)
		require.NoError(t, err)
	}
	require.NoError(t, setSchemaVersion(db, 1))
	_, err = db.Exec(`INSERT INTO runs (id, branch, workflow, started_at) VALUES ('old', 'main', 'ci.yml', '2024-12-31T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO attempts (run_id, number, mode, started_at, verdict) VALUES ('old', 1, 'diff', '2024-12-31T00:01:00Z', 'pushed')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	l, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	version, err := GetSchemaVersion(l.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	attempts, err := l.ListAttempts(context.Background(), "old")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, tune.VerdictPushed, attempts[0].Verdict)
	assert.Empty(t, attempts[0].Reverify)
}

func TestClip(t *testing.T) {
	long := make([]byte, maxTextColumn+10)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, clip(string(long)), maxTextColumn)
	assert.Equal(t, "short", clip("short"))
}
