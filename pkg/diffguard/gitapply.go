package diffguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/workspace"
)

// maxContextBytes bounds each conflicting file captured for the next prompt.
const maxContextBytes = 20000

// GitApplier applies validated diffs inside a worktree with git apply.
type GitApplier struct {
	git    workspace.GitRunner
	root   *apply.Root
	logger *logx.Logger
}

// NewGitApplier creates an applier for the worktree at root.
func NewGitApplier(git workspace.GitRunner, root *apply.Root) *GitApplier {
	return &GitApplier{git: git, root: root, logger: logx.NewLogger("diffguard")}
}

// Apply dry-runs the diff and then applies it with a three-way merge. A diff whose
// context drifted from the worktree passes the dry run when the blobs it records
// are available for the merge. On failure the tree is reset and an
// *ApplyConflictError carries what went wrong.
func (g *GitApplier) Apply(ctx context.Context, d *Diff, text string) error {
	patch, err := os.CreateTemp("", "fd-patch-*.diff")
	if err != nil {
		return fmt.Errorf("create patch file: %w", err)
	}
	defer func() { _ = os.Remove(patch.Name()) }()
	if _, err := patch.WriteString(text); err != nil {
		_ = patch.Close()
		return fmt.Errorf("write patch file: %w", err)
	}
	if err := patch.Close(); err != nil {
		return fmt.Errorf("close patch file: %w", err)
	}

	dir := g.root.Dir()
	if out, err := g.check(ctx, dir, patch.Name()); err != nil {
		g.logger.Warn("git apply --check rejected diff")
		return &ApplyConflictError{
			Stage:   "check",
			Output:  string(out),
			Paths:   d.Touched(),
			Context: g.capture(d.Touched()),
		}
	}

	out, err := g.git.Run(ctx, dir, "apply", "--3way", "--whitespace=nowarn", patch.Name())
	if err == nil {
		return nil
	}

	conflicted := g.unmerged(ctx)
	if len(conflicted) == 0 {
		conflicted = d.Touched()
	}
	conflict := &ApplyConflictError{
		Stage:   "3way",
		Output:  string(out),
		Paths:   conflicted,
		Context: g.capture(conflicted),
	}
	if _, rerr := g.git.Run(ctx, dir, "reset", "--hard", "HEAD"); rerr != nil {
		g.logger.Error("reset after failed apply: %v", rerr)
	}
	return conflict
}

// check tries a plain dry run first and falls back to a three-way dry run.
func (g *GitApplier) check(ctx context.Context, dir, patch string) ([]byte, error) {
	out, err := g.git.Run(ctx, dir, "apply", "--check", "--whitespace=nowarn", patch)
	if err == nil {
		return out, nil
	}
	out3, err3 := g.git.Run(ctx, dir, "apply", "--check", "--3way", "--whitespace=nowarn", patch)
	if err3 == nil {
		g.logger.Info("diff context drifted; applying with a three-way merge")
		return out3, nil
	}
	return append(out, out3...), err
}

func (g *GitApplier) unmerged(ctx context.Context) []string {
	out, err := g.git.Run(ctx, g.root.Dir(), "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if p := strings.TrimSpace(line); p != "" {
			paths = append(paths, filepath.ToSlash(p))
		}
	}
	return paths
}

// capture reads the current contents of paths, skipping unreadable ones.
func (g *GitApplier) capture(paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := g.root.ReadFile(p)
		if err != nil {
			continue
		}
		if len(data) > maxContextBytes {
			data = data[:maxContextBytes]
		}
		out[p] = string(data)
	}
	return out
}
