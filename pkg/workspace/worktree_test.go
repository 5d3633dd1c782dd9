package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func gitT(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)
	out, err := NewDefaultGitRunner().Run(context.Background(), dir, full...)
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

func writeT(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// newRemote creates a bare remote with one commit on main and a clone of it.
func newRemote(t *testing.T) (bare, clone string) {
	t.Helper()
	base := t.TempDir()
	bare = filepath.Join(base, "remote.git")
	seed := filepath.Join(base, "seed")
	clone = filepath.Join(base, "clone")

	gitT(t, base, "init", "--bare", bare)
	gitT(t, base, "init", seed)
	writeT(t, seed, "README.md", "seed\n")
	gitT(t, seed, "add", "-A")
	gitT(t, seed, "commit", "-m", "seed")
	gitT(t, seed, "push", bare, "HEAD:refs/heads/main")
	gitT(t, base, "clone", bare, clone)
	return bare, clone
}

func TestWorktreeCommitPushAndConflict(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	bare, clone := newRemote(t)
	git := NewDefaultGitRunner()

	wt, err := CreateWorktree(ctx, git, clone, t.TempDir(), "origin", "main")
	require.NoError(t, err)
	defer func() { _ = wt.Remove(ctx) }()

	data, err := wt.ReadFile("README.md")
	require.NoError(t, err)
	assert.Equal(t, "seed\n", string(data))

	committed, err := wt.CommitAll(ctx, "noop")
	require.NoError(t, err)
	assert.False(t, committed)

	writeT(t, wt.Dir, "a.txt", "one\n")
	committed, err = wt.CommitAll(ctx, "add a")
	require.NoError(t, err)
	assert.True(t, committed)
	_, err = wt.Push(ctx)
	require.NoError(t, err)

	// Someone else moves the branch.
	other := filepath.Join(t.TempDir(), "other")
	gitT(t, "", "clone", "--branch", "main", bare, other)
	writeT(t, other, "b.txt", "two\n")
	gitT(t, other, "add", "-A")
	gitT(t, other, "commit", "-m", "add b")
	gitT(t, other, "push", "origin", "HEAD:refs/heads/main")

	writeT(t, wt.Dir, "c.txt", "three\n")
	_, err = wt.CommitAll(ctx, "add c")
	require.NoError(t, err)

	_, err = wt.Push(ctx)
	var conflict *PushConflictError
	require.True(t, errors.As(err, &conflict), "expected push conflict, got %v", err)

	_, err = wt.PushWithRetry(ctx, 2)
	require.NoError(t, err)

	remoteFiles := gitT(t, bare, "ls-tree", "--name-only", "main")
	assert.Contains(t, remoteFiles, "a.txt")
	assert.Contains(t, remoteFiles, "b.txt")
	assert.Contains(t, remoteFiles, "c.txt")
}

func TestWorktreeResetHard(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	_, clone := newRemote(t)

	wt, err := CreateWorktree(ctx, NewDefaultGitRunner(), clone, t.TempDir(), "origin", "main")
	require.NoError(t, err)
	defer func() { _ = wt.Remove(ctx) }()

	writeT(t, wt.Dir, "README.md", "changed\n")
	writeT(t, wt.Dir, "junk/new.txt", "x\n")
	require.NoError(t, wt.ResetHard(ctx))

	status, err := wt.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)
}

type fakeGit struct {
	calls   [][]string
	outputs map[string]string
	fail    map[string]bool
}

func (f *fakeGit) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	key := args[0]
	for _, a := range args {
		if a == "push" || a == "rebase" || a == "commit" {
			key = a
		}
	}
	if f.fail[key] {
		return []byte(f.outputs[key]), errors.New("exit status 1")
	}
	return []byte(f.outputs[key]), nil
}

func TestPushMapsRejection(t *testing.T) {
	g := &fakeGit{
		outputs: map[string]string{"push": " ! [rejected]        HEAD -> main (stale info)\n"},
		fail:    map[string]bool{"push": true},
	}
	wt := &Worktree{git: g, Dir: "/w", Remote: "origin", Branch: "main", Lease: "abc123", logger: testLogger()}

	_, err := wt.Push(context.Background())
	var conflict *PushConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "main", conflict.Branch)
	assert.Contains(t, g.calls[0], "--force-with-lease=refs/heads/main:abc123")
	assert.Contains(t, g.calls[0], "HEAD:refs/heads/main")
}

func TestPushOtherFailureIsNotConflict(t *testing.T) {
	g := &fakeGit{
		outputs: map[string]string{"push": "fatal: could not read Username"},
		fail:    map[string]bool{"push": true},
	}
	wt := &Worktree{git: g, Dir: "/w", Remote: "origin", Branch: "main", Lease: "abc", logger: testLogger()}

	_, err := wt.Push(context.Background())
	require.Error(t, err)
	var conflict *PushConflictError
	assert.False(t, errors.As(err, &conflict))
}

func TestSyncAbortsFailedRebase(t *testing.T) {
	g := &fakeGit{
		outputs: map[string]string{"rev-parse": "def456\n", "rebase": "CONFLICT"},
		fail:    map[string]bool{"rebase": true},
	}
	wt := &Worktree{git: g, Dir: "/w", Remote: "origin", Branch: "main", Lease: "abc", logger: testLogger()}

	err := wt.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, "abc", wt.Lease)
	last := g.calls[len(g.calls)-1]
	assert.Equal(t, []string{"rebase", "--abort"}, last)
}

func TestRewindResetsToLease(t *testing.T) {
	g := &fakeGit{}
	wt := &Worktree{git: g, Dir: "/w", Remote: "origin", Branch: "main", Lease: "abc123", logger: testLogger()}

	require.NoError(t, wt.Rewind(context.Background()))
	require.Len(t, g.calls, 2)
	assert.Equal(t, []string{"reset", "--hard", "abc123"}, g.calls[0])
	assert.Equal(t, []string{"clean", "-fd"}, g.calls[1])
}
