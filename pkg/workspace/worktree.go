package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/logx"
)

// Committer identity used for automated commits.
const (
	CommitterName  = "fd-auto-tune"
	CommitterEmail = "fd-auto-tune@users.noreply.github.com"
)

// Worktree is a detached checkout of remote/branch under the work dir. All
// mutations of a tune run happen here, never in the caller's repository.
type Worktree struct {
	git     GitRunner
	logger  *logx.Logger
	root    *apply.Root
	repoDir string
	Dir     string
	Remote  string
	Branch  string
	// Lease is the remote tip this worktree last synchronized with.
	Lease string
}

// CreateWorktree fetches remote/branch in repoDir and adds a detached worktree at
// its tip under workDir/worktrees.
func CreateWorktree(ctx context.Context, git GitRunner, repoDir, workDir, remote, branch string) (*Worktree, error) {
	logger := logx.NewLogger("workspace")

	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	parent := filepath.Join(absWork, "worktrees")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	if _, err := git.Run(ctx, repoDir, "fetch", remote, branch); err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", remote, branch, err)
	}
	ref := remote + "/" + branch
	lease, err := runTrim(ctx, git, repoDir, "rev-parse", "refs/remotes/"+ref)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	dir := filepath.Join(parent, "fd-"+uuid.NewString()[:8])
	if _, err := git.Run(ctx, repoDir, "worktree", "add", "--detach", dir, lease); err != nil {
		return nil, fmt.Errorf("add worktree for %s: %w", ref, err)
	}

	root, err := apply.OpenRoot(dir)
	if err != nil {
		_, _ = git.Run(ctx, repoDir, "worktree", "remove", "--force", dir)
		return nil, err
	}

	logger.Info("🌿 worktree %s at %s (%s)", filepath.Base(dir), ref, shortSHA(lease))
	return &Worktree{
		git:     git,
		logger:  logger,
		root:    root,
		repoDir: repoDir,
		Dir:     dir,
		Remote:  remote,
		Branch:  branch,
		Lease:   lease,
	}, nil
}

// Root returns the guarded handle for the worktree directory.
func (w *Worktree) Root() *apply.Root {
	return w.root
}

// ReadFile reads a worktree file through the path guard.
func (w *Worktree) ReadFile(rel string) ([]byte, error) {
	return w.root.ReadFile(rel) //nolint:wrapcheck // already descriptive
}

// HeadSHA returns the current HEAD commit.
func (w *Worktree) HeadSHA(ctx context.Context) (string, error) {
	return runTrim(ctx, w.git, w.Dir, "rev-parse", "HEAD")
}

// Status returns `git status --porcelain` output.
func (w *Worktree) Status(ctx context.Context) (string, error) {
	return runTrim(ctx, w.git, w.Dir, "status", "--porcelain")
}

// CommitAll stages everything and commits. It reports false when there was
// nothing to commit.
func (w *Worktree) CommitAll(ctx context.Context, message string) (bool, error) {
	if _, err := w.git.Run(ctx, w.Dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := w.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if status == "" {
		w.logger.Debug("nothing to commit in %s", w.Dir)
		return false, nil
	}
	if _, err := w.git.Run(ctx, w.Dir,
		"-c", "user.name="+CommitterName,
		"-c", "user.email="+CommitterEmail,
		"commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Push sends HEAD to the branch, refusing to overwrite anything the lease did not
// see. A rejection is returned as *PushConflictError.
func (w *Worktree) Push(ctx context.Context) (string, error) {
	lease := fmt.Sprintf("--force-with-lease=refs/heads/%s:%s", w.Branch, w.Lease)
	out, err := w.git.Run(ctx, w.Dir, "push", lease, w.Remote, "HEAD:refs/heads/"+w.Branch)
	output := string(out)
	if err != nil {
		if isPushRejection(output) {
			return output, &PushConflictError{Branch: w.Branch, Lease: w.Lease, Output: output}
		}
		return output, fmt.Errorf("push %s: %w", w.Branch, err)
	}
	head, err := w.HeadSHA(ctx)
	if err != nil {
		return output, fmt.Errorf("read pushed head: %w", err)
	}
	w.Lease = head
	w.logger.Info("⬆️  pushed %s to %s/%s", shortSHA(head), w.Remote, w.Branch)
	return output, nil
}

// Sync fetches the branch and rebases local commits onto the new tip. A failed
// rebase is aborted and leaves the worktree where it was.
func (w *Worktree) Sync(ctx context.Context) error {
	if _, err := w.git.Run(ctx, w.Dir, "fetch", w.Remote, w.Branch); err != nil {
		return fmt.Errorf("fetch %s/%s: %w", w.Remote, w.Branch, err)
	}
	tip, err := runTrim(ctx, w.git, w.Dir, "rev-parse", "refs/remotes/"+w.Remote+"/"+w.Branch)
	if err != nil {
		return fmt.Errorf("resolve fetched tip: %w", err)
	}
	if _, err := w.git.Run(ctx, w.Dir,
		"-c", "user.name="+CommitterName,
		"-c", "user.email="+CommitterEmail,
		"rebase", tip); err != nil {
		if _, abortErr := w.git.Run(ctx, w.Dir, "rebase", "--abort"); abortErr != nil {
			w.logger.Warn("rebase --abort failed: %v", abortErr)
		}
		return fmt.Errorf("rebase onto %s: %w", shortSHA(tip), err)
	}
	w.Lease = tip
	return nil
}

// PushWithRetry pushes, and on each conflict syncs and tries again, up to retries
// extra times.
func (w *Worktree) PushWithRetry(ctx context.Context, retries int) (string, error) {
	var conflict *PushConflictError
	for attempt := 0; ; attempt++ {
		out, err := w.Push(ctx)
		if err == nil {
			return out, nil
		}
		if !errors.As(err, &conflict) || attempt >= retries {
			return out, err
		}
		w.logger.Warn("push rejected (try %d/%d), rebasing onto remote", attempt+1, retries+1)
		if err := w.Sync(ctx); err != nil {
			return out, err
		}
	}
}

// ResetHard discards tracked and untracked changes.
func (w *Worktree) ResetHard(ctx context.Context) error {
	if _, err := w.git.Run(ctx, w.Dir, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := w.git.Run(ctx, w.Dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Rewind drops unpushed commits and local changes, returning to the lease.
func (w *Worktree) Rewind(ctx context.Context) error {
	if _, err := w.git.Run(ctx, w.Dir, "reset", "--hard", w.Lease); err != nil {
		return fmt.Errorf("reset to %s: %w", shortSHA(w.Lease), err)
	}
	if _, err := w.git.Run(ctx, w.Dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// Remove deletes the worktree and prunes its administrative files.
func (w *Worktree) Remove(ctx context.Context) error {
	if _, err := w.git.Run(ctx, w.repoDir, "worktree", "remove", "--force", w.Dir); err != nil {
		w.logger.Warn("worktree remove failed, deleting directory: %v", err)
		if rmErr := os.RemoveAll(w.Dir); rmErr != nil {
			return fmt.Errorf("remove worktree dir: %w", rmErr)
		}
	}
	if _, err := w.git.Run(ctx, w.repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}
