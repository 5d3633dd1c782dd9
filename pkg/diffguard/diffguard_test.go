package diffguard

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/manifest"
	"github.com/agenda-podcast/fd2/pkg/workspace"
)

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

const newFileDiff = `diff --git a/tools/helper.py b/tools/helper.py
new file mode 100644
--- /dev/null
+++ b/tools/helper.py
@@ -0,0 +1,2 @@
+def helper():
+    return 1
`

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", workflowDiff, false},
		{"leading blank lines", "\n\n" + workflowDiff, false},
		{"new file", newFileDiff, false},
		{"prose first", "Here is the fix:\n" + workflowDiff, true},
		{"no headers", "diff --git a/x b/x\n@@ -1 +1 @@\n-a\n+b\n", true},
		{"no hunks", "diff --git a/x b/x\n--- a/x\n+++ b/x\n", true},
		{"empty", "  \n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, manifest.IsFormat(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCleanStripsFence(t *testing.T) {
	got := Clean("```diff\r\n" + workflowDiff + "```\r\n")
	require.NoError(t, CheckFormat(got))
	assert.Equal(t, workflowDiff, got)
}

func TestParseDiff(t *testing.T) {
	d, err := ParseDiff(workflowDiff + newFileDiff)
	require.NoError(t, err)
	require.Len(t, d.Files, 2)

	assert.Equal(t, []string{".github/workflows/ci.yml", "tools/helper.py"}, d.Touched())
	assert.Equal(t, map[string]bool{"tools/helper.py": true}, d.Created())
	assert.False(t, d.Files[0].Created)
	require.Len(t, d.Files[0].Hunks, 1)
	assert.Contains(t, d.Files[0].Hunks[0], "+    runs-on: ubuntu-latest")
}

func TestParseDiffDeletedFile(t *testing.T) {
	text := "diff --git a/old.txt b/old.txt\ndeleted file mode 100644\n--- a/old.txt\n+++ /dev/null\n@@ -1 +0,0 @@\n-bye\n"
	d, err := ParseDiff(text)
	require.NoError(t, err)
	require.Len(t, d.Files, 1)
	assert.True(t, d.Files[0].Deleted)
	assert.Equal(t, "old.txt", d.Files[0].Path())
}

func TestCheckScope(t *testing.T) {
	d, err := ParseDiff(workflowDiff + newFileDiff)
	require.NoError(t, err)

	t.Run("empty allow-list allows all", func(t *testing.T) {
		assert.NoError(t, CheckScope(d, NewAllowedFileSet("", nil, nil)))
	})
	t.Run("workflow path allowed, new file exempt", func(t *testing.T) {
		assert.NoError(t, CheckScope(d, NewAllowedFileSet("./.github/workflows/ci.yml", nil, nil)))
	})
	t.Run("outside path rejected", func(t *testing.T) {
		err := CheckScope(d, NewAllowedFileSet("", []string{"src/app.py"}, []string{"docs/x.md"}))
		var se *ScopeError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, []string{".github/workflows/ci.yml"}, se.Paths)
		assert.Equal(t, []string{"src/app.py", "docs/x.md"}, se.Allowed)
	})
}

func TestAllowedFileSetNormalizes(t *testing.T) {
	a := NewAllowedFileSet(`.github\workflows\ci.yml`, []string{"./src/app.py", "src/app.py", " "}, []string{"src/../lib/x.py"})
	assert.Equal(t, []string{".github/workflows/ci.yml", "src/app.py", "lib/x.py"}, a.Paths())
	assert.True(t, a.Contains("./lib/x.py"))
	assert.False(t, a.Contains("lib"))
}

func secretDiff(removed, added string) string {
	return "diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml\n" +
		"--- a/.github/workflows/ci.yml\n+++ b/.github/workflows/ci.yml\n" +
		"@@ -1,3 +1,3 @@\n env:\n-" + removed + "\n+" + added + "\n"
}

func TestCheckStabilitySecretSwap(t *testing.T) {
	tests := []struct {
		name     string
		removed  string
		added    string
		evidence string
		wantErr  bool
	}{
		{"secret to vars", "  KEY: ${{ secrets.API_KEY }}", "  KEY: ${{ vars.API_KEY }}", "", true},
		{"secret to env", "  KEY: ${{ secrets.API_KEY }}", "  KEY: ${{ env.API_KEY }}", "", true},
		{"secret to shell", "  run: curl -H ${{ secrets.TOKEN }}", "  run: curl -H $TOKEN", "", true},
		{"plain to secret", "  KEY: ${API_KEY}", "  KEY: ${{ secrets.API_KEY }}", "", true},
		{"evidence names it", "  KEY: ${{ secrets.API_KEY }}", "  KEY: ${{ vars.API_KEY }}", "Error: API_KEY is not a secret", false},
		{"different names", "  KEY: ${{ secrets.A }}", "  KEY: ${{ vars.B }}", "", false},
		{"unrelated edit", "  KEY: ${{ secrets.A }}", "  KEY: ${{ secrets.A }} # keep", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDiff(secretDiff(tt.removed, tt.added))
			require.NoError(t, err)
			err = CheckStability(d, tt.evidence, nil)
			if tt.wantErr {
				var se *StabilityError
				require.ErrorAs(t, err, &se)
				return
			}
			require.NoError(t, err)
		})
	}
}

type existing map[string]bool

func (e existing) Exists(rel string) bool { return e[rel] }

func installDiff(step string) string {
	return "diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml\n" +
		"--- a/.github/workflows/ci.yml\n+++ b/.github/workflows/ci.yml\n" +
		"@@ -1,2 +1,3 @@\n steps:\n+      - run: " + step + "\n   - uses: actions/checkout@v4\n"
}

func TestCheckStabilityInstallSteps(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		root    existing
		wantErr bool
	}{
		{"pip missing", "pip install -r requirements.txt", existing{}, true},
		{"pip present", "pip install -r requirements.txt", existing{"requirements.txt": true}, false},
		{"pip quoted nested", `python -m pip install --upgrade pip && pip install -r "deps/req.txt"`, existing{"deps/req.txt": true}, false},
		{"npm ci missing lock", "npm ci", existing{"package.json": true}, true},
		{"npm ci ok", "npm ci", existing{"package-lock.json": true}, false},
		{"poetry missing", "poetry install", existing{}, true},
		{"go mod ok", "go mod download", existing{"go.mod": true}, false},
		{"not an install", "pytest -q", existing{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDiff(installDiff(tt.step))
			require.NoError(t, err)
			err = CheckStability(d, "", tt.root)
			if tt.wantErr {
				var se *StabilityError
				require.ErrorAs(t, err, &se)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCheckStabilityInstallFileCreatedBySameDiff(t *testing.T) {
	text := installDiff("pip install -r requirements.txt") +
		"diff --git a/requirements.txt b/requirements.txt\nnew file mode 100644\n--- /dev/null\n+++ b/requirements.txt\n@@ -0,0 +1 @@\n+flask\n"
	d, err := ParseDiff(text)
	require.NoError(t, err)
	assert.NoError(t, CheckStability(d, "", existing{}))
}

func TestValidateRunsGuardsInOrder(t *testing.T) {
	ctx := context.Background()
	_, err := Validate(ctx, "not a diff", nil, "", nil)
	assert.True(t, manifest.IsFormat(err))

	_, err = Validate(ctx, workflowDiff, NewAllowedFileSet("", []string{"other.py"}, nil), "", nil)
	var scope *ScopeError
	assert.ErrorAs(t, err, &scope)

	d, err := Validate(ctx, workflowDiff, NewAllowedFileSet(".github/workflows/ci.yml", nil, nil), "", nil)
	require.NoError(t, err)
	assert.Len(t, d.Files, 1)
}

func initRepo(t *testing.T) (*apply.Root, workspace.GitRunner) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	git := workspace.NewDefaultGitRunner()
	ctx := context.Background()
	run := func(args ...string) {
		full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)
		out, err := git.Run(ctx, dir, full...)
		require.NoError(t, err, string(out))
	}
	run("init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("line one\nline two\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "init")

	root, err := apply.OpenRoot(dir)
	require.NoError(t, err)
	return root, git
}

func TestGitApplierApplies(t *testing.T) {
	root, git := initRepo(t)
	text := "diff --git a/hello.txt b/hello.txt\n--- a/hello.txt\n+++ b/hello.txt\n@@ -1,2 +1,2 @@\n line one\n-line two\n+line 2\n"
	d, err := ParseDiff(text)
	require.NoError(t, err)

	require.NoError(t, NewGitApplier(git, root).Apply(context.Background(), d, text))
	data, err := root.ReadFile("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline 2\n", string(data))
}

func TestGitApplierReportsConflict(t *testing.T) {
	root, git := initRepo(t)
	text := "diff --git a/hello.txt b/hello.txt\n--- a/hello.txt\n+++ b/hello.txt\n@@ -1,2 +1,2 @@\n something else\n-entirely\n+changed\n"
	d, err := ParseDiff(text)
	require.NoError(t, err)

	err = NewGitApplier(git, root).Apply(context.Background(), d, text)
	var conflict *ApplyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "check", conflict.Stage)
	assert.Equal(t, "line one\nline two\n", conflict.Context["hello.txt"])

	data, err := root.ReadFile("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestGitApplierMergesDriftedContext(t *testing.T) {
	root, git := initRepo(t)
	dir := root.Dir()
	ctx := context.Background()
	gitOut := func(args ...string) string {
		full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)
		out, err := git.Run(ctx, dir, full...)
		require.NoError(t, err, string(out))
		return string(out)
	}
	write := func(content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte(content), 0o644))
	}
	base := "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\n"
	write(base)
	gitOut("add", "-A")
	gitOut("commit", "-m", "base")

	write(strings.Replace(base, "l6\n", "l6 fixed\n", 1))
	text := gitOut("diff", "--full-index", "f.txt")
	gitOut("checkout", "--", "f.txt")

	write(strings.Replace(base, "l3\n", "l3 upstream\n", 1))
	gitOut("commit", "-am", "upstream")

	d, err := ParseDiff(text)
	require.NoError(t, err)
	require.NoError(t, NewGitApplier(git, root).Apply(ctx, d, text))

	data, err := root.ReadFile("f.txt")
	require.NoError(t, err)
	assert.Equal(t, "l1\nl2\nl3 upstream\nl4\nl5\nl6 fixed\nl7\nl8\nl9\nl10\n", string(data))
}
