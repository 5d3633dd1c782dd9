package evidence

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternExtractor(t *testing.T) {
	log := strings.Join([]string{
		"setup",
		"install",
		"collecting",
		"Traceback (most recent call last):",
		"  File x",
		"ModuleNotFoundError: No module named 'yaml'",
		"done",
	}, "\n")

	hits := NewPatternExtractor().Extract(log)
	require.Len(t, hits, 2)
	assert.Equal(t, 4, hits[0].Line)
	assert.Equal(t, "Traceback", hits[0].Pattern)
	assert.Equal(t, "install\ncollecting\nTraceback (most recent call last):\n  File x\nModuleNotFoundError: No module named 'yaml'", hits[0].Text)
	assert.Equal(t, 6, hits[1].Line)
	assert.Equal(t, "Error:", hits[1].Pattern)
	assert.Equal(t, "Traceback (most recent call last):\n  File x\nModuleNotFoundError: No module named 'yaml'\ndone", hits[1].Text)
}

func TestPatternExtractorCapsHits(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "ERROR %d\n", i)
	}
	hits := NewPatternExtractor().Extract(b.String())
	assert.Len(t, hits, DefaultMaxHits)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", Summarize("", nil))

	var b strings.Builder
	for i := 1; i <= 130; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	b.WriteString("FD_FAIL: broken\n")
	out := Summarize(b.String(), nil)

	assert.True(t, strings.HasPrefix(out, "LOG_HEAD_BEGIN\nline 1\n"))
	assert.Contains(t, out, "line 120\nLOG_HEAD_END\n")
	assert.NotContains(t, out, "line 121\nLOG_HEAD_END")
	assert.Contains(t, out, "DISCREPANCIES_BEGIN\n----\nline=131\nline 129\nline 130\nFD_FAIL: broken\nDISCREPANCIES_END\n")
}

func TestPathTokens(t *testing.T) {
	text := strings.Join([]string{
		`  File "/home/runner/work/fd/fd/src/app/main.py", line 12, in <module>`,
		"tests/test_main.py:40: AssertionError",
		"diff --git a/tools/check_ascii.py b/tools/check_ascii.py",
		"see https://github.com/org/repo/blob/main/README.md",
		"/usr/lib/python3.11/site-packages/yaml/__init__.py",
		"Python 3.11 and v1.2.3 on github.com",
		"error in ../secrets.txt",
		"src/app/main.py again",
		".github/workflows/ci.yml:5:3",
	}, "\n")

	got := PathTokens(text, 0)
	assert.Equal(t, []string{
		"src/app/main.py",
		"tests/test_main.py",
		"tools/check_ascii.py",
		".github/workflows/ci.yml",
	}, got)

	assert.Len(t, PathTokens(text, 2), 2)
}

func zipOf(t *testing.T, members map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(members[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractLogsZip(t *testing.T) {
	data := zipOf(t, map[string]string{
		"0_build.txt":           "step output\n",
		"build/1_Run tests.txt": "FAILED test_x\n",
		"meta.json":             "{}",
	}, []string{"0_build.txt", "build/1_Run tests.txt", "meta.json"})

	out, err := ExtractLogsZip(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "### 0_build.txt\nstep output\n\n\n### build/1_Run tests.txt\nFAILED test_x\n", out)

	out, err = ExtractLogsZip(data, 10)
	require.NoError(t, err)
	assert.Len(t, out, 10)

	_, err = ExtractLogsZip([]byte("not a zip"), 0)
	require.Error(t, err)
}

func TestExtractTextZipKeepsReports(t *testing.T) {
	data := zipOf(t, map[string]string{"report.json": `{"ok":false}`, "img.png": "x"}, []string{"report.json", "img.png"})
	out, err := ExtractTextZip(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "### report.json\n{\"ok\":false}", out)
}

const sampleWorkflow = `name: CI
on: [push]
jobs:
  lint:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - name: ASCII
        run: python tools/check_ascii.py
  test:
    name: Tests
    runs-on: [self-hosted, linux]
    steps:
      - run: |
          pip install -r requirements.txt
          pytest tests/test_main.py
`

func TestParseWorkflow(t *testing.T) {
	wf, err := ParseWorkflow(".github/workflows/ci.yml", []byte(sampleWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "CI", wf.Name)
	require.Len(t, wf.Jobs, 2)
	assert.Equal(t, "lint", wf.Jobs[0].ID)
	assert.Equal(t, "ubuntu-latest", wf.Jobs[0].RunsOn)
	assert.Equal(t, "Tests", wf.Jobs[1].Name)
	assert.Equal(t, "self-hosted,linux", wf.Jobs[1].RunsOn)
	assert.Equal(t, 3, wf.StepCount())
	assert.Equal(t, []string{"tools/check_ascii.py", "requirements.txt", "tests/test_main.py"}, wf.ReferencedPaths())

	assert.Equal(t, sampleWorkflow, wf.Excerpt(0))
	assert.True(t, strings.HasSuffix(wf.Excerpt(20), "# ... truncated\n"))

	_, err = ParseWorkflow("bad.yml", []byte("jobs: [1, 2"))
	require.Error(t, err)
}
