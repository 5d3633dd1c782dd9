// Package workspace manages isolated git worktrees that the tune loop mutates,
// commits and pushes.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/logx"
)

// GitRunner provides an interface for running Git commands with dependency injection support
type GitRunner interface {
	// Run executes a Git command in the specified directory
	// Returns stdout+stderr combined output and any error
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// DefaultGitRunner implements GitRunner using the system git command
type DefaultGitRunner struct {
	logger *logx.Logger
}

// NewDefaultGitRunner creates a new DefaultGitRunner
func NewDefaultGitRunner() *DefaultGitRunner {
	return &DefaultGitRunner{
		logger: logx.NewLogger("git"),
	}
}

// Run executes a Git command using exec.CommandContext
func (g *DefaultGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	logDir := dir
	if logDir == "" {
		logDir = "."
	}
	g.logger.Debug("Executing Git command: cd %s && git %s", logDir, strings.Join(args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		g.logger.Debug("Git command failed: %v\n%s", err, string(output))
		return output, fmt.Errorf("git %s failed in %s: %w\nOutput: %s",
			strings.Join(args, " "), dir, err, string(output))
	}
	return output, nil
}

// runTrim runs git and returns trimmed output.
func runTrim(ctx context.Context, g GitRunner, dir string, args ...string) (string, error) {
	out, err := g.Run(ctx, dir, args...)
	return strings.TrimSpace(string(out)), err
}
