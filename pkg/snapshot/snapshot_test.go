package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/manifest"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return root
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
}

func TestMakeSelectsTextFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app/main.py":                        "print('hi')\r\n",
		"README.md":                          "no newline",
		"logo.png":                           "binary",
		".git/config":                        "[core]",
		".github/workflows/ci.yml":           "on: push",
		"node_modules/x/index.js":            "x",
		"docs/_site/index.html":              "<html>",
		"docs/assets/app/app-source_old.txt": "FD_APP_SOURCE_V1",
		"docs/guide.md":                      "guide\n",
	})

	text, err := Make(root, Options{Now: fixedNow})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(text, "FD_APP_SOURCE_V1\ntimestamp_utc: 20250304-050607\nroot: /\n\n"))
	assert.Contains(t, text, "FILE: app/main.py\n<<<\nprint('hi')\n>>>\n")
	assert.Contains(t, text, "FILE: README.md\n<<<\nno newline\n>>>\n")
	assert.Contains(t, text, "FILE: docs/guide.md\n")
	for _, skipped := range []string{"logo.png", ".git/", ".github/", "node_modules", "docs/_site", "app-source_old"} {
		assert.NotContains(t, text, "FILE: "+skipped)
	}
}

func TestMakeSkipsLargeFiles(t *testing.T) {
	root := writeTree(t, map[string]string{"big.txt": strings.Repeat("x", 100), "small.txt": "ok"})
	text, err := Make(root, Options{MaxFileBytes: 50})
	require.NoError(t, err)
	assert.NotContains(t, text, "FILE: big.txt")
	assert.Contains(t, text, "FILE: small.txt")
}

func TestMakeParseApplyRoundTrip(t *testing.T) {
	src := writeTree(t, map[string]string{
		"app/main.py": "import os\n\nprint(os.getcwd())\n",
		"data.csv":    "a,b\n1,2\n",
	})
	text, err := Make(src, Options{})
	require.NoError(t, err)

	m, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, manifest.ArtifactPipelineSnapshot, m.ArtifactType)
	assert.Equal(t, []string{"app/main.py", "data.csv"}, m.Paths())

	dst := t.TempDir()
	root, err := apply.OpenRoot(dst)
	require.NoError(t, err)
	_, err = apply.Apply(context.Background(), m, root)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "import os\n\nprint(os.getcwd())\n", string(got))
}

func TestParseSkipsNonTextAndRejectsMalformed(t *testing.T) {
	m, err := Parse("FD_APP_SOURCE_V1\nroot: /\n\nFILE: bin/tool.exe\n<<<\nxx\n>>>\nFILE: a.py\n<<<\nx = 1\n>>>\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, m.Paths())

	tests := map[string]string{
		"no header":   "FILE: a.py\n<<<\nx\n>>>\n",
		"missing <<<": "FD_APP_SOURCE_V1\nFILE: a.py\nx\n>>>\n",
		"missing >>>": "FD_APP_SOURCE_V1\nFILE: a.py\n<<<\nx\n",
		"empty path":  "FD_APP_SOURCE_V1\nFILE: \n<<<\nx\n>>>\n",
		"no files":    "FD_APP_SOURCE_V1\nroot: /\n",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			require.Error(t, err)
			assert.True(t, manifest.IsFormat(err))
		})
	}
}

func TestWriteAndLatest(t *testing.T) {
	root := writeTree(t, map[string]string{"a.py": "x = 1\n"})

	latest, err := Latest(root)
	require.NoError(t, err)
	assert.Empty(t, latest)

	out, err := Write(root, Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "docs", "assets", "app", "app-source_20250304-050607.txt"), out)

	later := func() time.Time { return fixedNow().Add(time.Hour) }
	_, err = Write(root, Options{Now: later})
	require.NoError(t, err)

	latest, err = Latest(root)
	require.NoError(t, err)
	assert.Contains(t, latest, "timestamp_utc: 20250304-060607")
	assert.NotContains(t, latest, "FILE: docs/assets/app/")
}

func TestChunks(t *testing.T) {
	assert.Nil(t, Chunks("  \n", 100, 10))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, Chunks("abcdefghijkl", 10, 4))
	assert.Equal(t, []string{"abc"}, Chunks("abc", 0, 0))
}
