package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenda-podcast/fd2/pkg/config"
	"github.com/agenda-podcast/fd2/pkg/persistence"
	"github.com/agenda-podcast/fd2/pkg/tune"
)

const strictManifest = "FD_PATCH_V1\nwork_item_id: WI-1\nproducer_role: BUILDER\nFILE: a/b.txt\n<<<\nhello\n>>>\nDELETE:\n- old.txt\nEND\nEND"

const workflowDiff = `diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml
--- a/.github/workflows/ci.yml
+++ b/.github/workflows/ci.yml
@@ -1,4 +1,4 @@
 jobs:
   build:
-    runs-on: ubuntu-20.04
+    runs-on: ubuntu-latest
     steps: []
`

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(stdin), &out, &errOut)
	code := run(context.Background(), args, a)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestVersionFlag(t *testing.T) {
	res := runCLI(t, "", "--version")
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "dev (commit none, built unknown)")
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	res := runCLI(t, "", "frobnicate")
	assert.Equal(t, exitUsage, res.code)
	assert.Contains(t, res.stderr, "unknown command")
}

func TestParsePrintsSummary(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"m.txt": strictManifest})

	res := runCLI(t, "", "-C", dir, "parse", filepath.Join(dir, "m.txt"))
	require.Equal(t, exitOK, res.code, res.stderr)

	var got manifestSummary
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	assert.Equal(t, "strict", got.Grammar)
	assert.Equal(t, "WI-1", got.WorkItemID)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "a/b.txt", got.Files[0].Path)
	assert.Equal(t, 6, got.Files[0].Bytes)
	assert.Equal(t, []string{"old.txt"}, got.Delete)
}

func TestParseReadsStdin(t *testing.T) {
	res := runCLI(t, `{"files":[{"path":"x.md","content":"# x\n"}]}`, "-C", t.TempDir(), "parse", "-")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"grammar": "json"`)
}

func TestParseFormatErrorExitsOne(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"bad.txt": "FD_PATCH_V1\nwork_item_id: W\nproducer_role: B\nFILE: src/x.py\n<<<\nhello\n"})

	res := runCLI(t, "", "-C", dir, "parse", filepath.Join(dir, "bad.txt"))
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "path=src/x.py")
}

func TestApplyWritesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	writeFiles(t, dir, map[string]string{
		"m.txt":          strictManifest,
		"target/old.txt": "bye\n",
	})

	res := runCLI(t, "", "-C", dir, "apply", "--root", target, filepath.Join(dir, "m.txt"))
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "applied strict manifest: 1 written, 1 deleted")

	got, err := os.ReadFile(filepath.Join(target, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))
	assert.NoFileExists(t, filepath.Join(target, "old.txt"))
}

func TestApplyRejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))
	writeFiles(t, dir, map[string]string{
		"m.json": `{"files":[{"path":"../outside.txt","content":"x"}]}`,
	})

	res := runCLI(t, "", "-C", dir, "apply", "--root", target, filepath.Join(dir, "m.json"))
	assert.Equal(t, exitFailure, res.code)
	assert.NoFileExists(t, filepath.Join(dir, "outside.txt"))
}

func TestValidateDiff(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"fix.diff":                 workflowDiff,
		".github/workflows/ci.yml": "jobs:\n  build:\n    runs-on: ubuntu-20.04\n    steps: []\n",
	})
	diffPath := filepath.Join(dir, "fix.diff")

	res := runCLI(t, "", "validate-diff", "--root", dir, "--workflow", ".github/workflows/ci.yml", diffPath)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "diff accepted: 1 file(s)")

	res = runCLI(t, "", "validate-diff", "--root", dir, "--allow", "scripts/test.sh", diffPath)
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "rejected: scope")

	writeFiles(t, dir, map[string]string{"prose.diff": "Here is the fix:\n" + workflowDiff})
	res = runCLI(t, "", "validate-diff", "--root", dir, filepath.Join(dir, "prose.diff"))
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "rejected: format")
}

func TestSnapshotMakeAndApply(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"app/main.py": "print('hi')\n",
		"README.md":   "# demo\n",
		"bin/tool":    "\x00\x01",
	})
	out := filepath.Join(t.TempDir(), "snap", "app-source.txt")

	res := runCLI(t, "", "snapshot", "make", "--root", src, "--out", out)
	require.Equal(t, exitOK, res.code, res.stderr)

	dst := t.TempDir()
	res = runCLI(t, "", "snapshot", "apply", "--root", dst, out)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "2 written")

	got, err := os.ReadFile(filepath.Join(dst, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(got))
	assert.NoFileExists(t, filepath.Join(dst, "bin", "tool"))
}

func TestSnapshotMakeToStdout(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.md": "x\n"})

	res := runCLI(t, "", "snapshot", "make", "--root", src, "--out", "-")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "FD_APP_SOURCE_V1"))
	assert.Contains(t, res.stdout, "FILE: a.md")
}

func TestPolicyCommand(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"README.md": "plain\n"})

	res := runCLI(t, "", "-C", dir, "policy", "--root", dir)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "ascii check PASS")

	writeFiles(t, dir, map[string]string{"notes.md": "caf\xc3\xa9\n"})
	res = runCLI(t, "", "-C", dir, "policy", "--root", dir)
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "FD_POLICY_FAIL: ascii")
	assert.Contains(t, res.stdout, "notes.md")
}

func TestSecretsSetAndList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(passwordEnv, "correct horse")
	t.Setenv(config.SecretAnthropicAPIKey, "from-env")

	res := runCLI(t, "sk-test-123\n", "-C", dir, "secrets", "set", config.SecretGeminiAPIKey)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.FileExists(t, config.SecretsPath(dir))

	values, err := config.DecryptSecretsFile(dir, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", values[config.SecretGeminiAPIKey])

	res = runCLI(t, "", "-C", dir, "secrets", "list")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Regexp(t, `GEMINI_API_KEY\s+file`, res.stdout)
	assert.Regexp(t, `ANTHROPIC_API_KEY\s+environment`, res.stdout)
	assert.NotContains(t, res.stdout, "sk-test-123")

	res = runCLI(t, "", "-C", dir, "secrets", "delete", config.SecretGeminiAPIKey)
	require.Equal(t, exitOK, res.code, res.stderr)
	values, err = config.DecryptSecretsFile(dir, "correct horse")
	require.NoError(t, err)
	assert.NotContains(t, values, config.SecretGeminiAPIKey)
}

func TestSecretsSetNeedsPassword(t *testing.T) {
	t.Setenv(passwordEnv, "")
	res := runCLI(t, "value\n", "-C", t.TempDir(), "secrets", "set", "X")
	assert.Equal(t, exitUsage, res.code)
	assert.Contains(t, res.stderr, passwordEnv)
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	res := runCLI(t, "", "-C", dir, "history")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "no runs recorded")

	ctx := context.Background()
	ledger, err := persistence.Open(filepath.Join(dir, config.ConfigDir, "ledger.db"))
	require.NoError(t, err)
	start := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.StartRun(ctx, &tune.RunInfo{
		ID: "5f0c2a9e-1111-2222-3333-444455556666", Repo: "acme/site", Branch: "main", Workflow: "ci.yml", StartedAt: start,
	}))
	require.NoError(t, ledger.RecordAttempt(ctx, "5f0c2a9e-1111-2222-3333-444455556666", &tune.AttemptRecord{
		Number: 1, Mode: tune.ModeDiff, StartedAt: start, CIRunID: 77, Verdict: tune.VerdictPushed,
		CommitSHA: "0123456789abcdef", Reverify: "success",
	}))
	require.NoError(t, ledger.FinishRun(ctx, &tune.Outcome{
		RunID: "5f0c2a9e-1111-2222-3333-444455556666", State: tune.StateDoneSuccess, Attempts: 1,
		LastRunURL: "https://ci.example/runs/78", FinishedAt: start.Add(5 * time.Minute),
	}))
	require.NoError(t, ledger.Close())

	res = runCLI(t, "", "-C", dir, "history")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "5f0c2a9e")
	assert.Contains(t, res.stdout, "DONE_SUCCESS")

	res = runCLI(t, "", "-C", dir, "history", "--run", "5f0c2a9e")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "acme/site ci.yml@main")
	assert.Contains(t, res.stdout, "https://ci.example/runs/78")
	assert.Contains(t, res.stdout, "0123456")
	assert.Contains(t, res.stdout, "(5m0s)")

	res = runCLI(t, "", "-C", dir, "history", "--run", "ffffffff")
	assert.Equal(t, exitFailure, res.code)
}

func TestApplyTuneFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Repo.WorkflowInputs = map[string]string{"keep": "1"}
	err := applyTuneFlags(cfg, &tuneOptions{
		branch:      "fix/ci",
		workflow:    "build.yml",
		maxAttempts: 4,
		inputs:      []string{"python=3.12", "args=a=b,c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fix/ci", cfg.Repo.Branch)
	assert.Equal(t, "build.yml", cfg.Repo.Workflow)
	assert.Equal(t, 4, cfg.Tune.MaxAttempts)
	assert.Equal(t, map[string]string{"keep": "1", "python": "3.12", "args": "a=b,c"}, cfg.Repo.WorkflowInputs)

	err = applyTuneFlags(config.Default(), &tuneOptions{inputs: []string{"novalue"}})
	require.Error(t, err)
}

func TestTuneWithoutTargetIsUsageError(t *testing.T) {
	dir := t.TempDir()
	res := runCLI(t, "", "-C", dir, "tune", "--branch", "main", "--workflow", "ci.yml")
	assert.Equal(t, exitUsage, res.code)
	assert.NotEmpty(t, res.stderr)
}

func TestStatsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(req.Form.Get("query"), "fd_tune_outcomes_total") {
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[
				{"metric":{"state":"DONE_FAILURE"},"value":[1700000000,"2"]}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	res := runCLI(t, "", "stats", "--prometheus", srv.URL, "--window", "6h")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "over 6h")
	assert.Regexp(t, `DONE_FAILURE\s+2`, res.stdout)
	assert.Contains(t, res.stdout, "attempt verdicts: none")
}
