package tune

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/logx"
)

// Artifacts writes per-run debugging files under <dir>/<run-id>/. Write failures
// are logged and never fail the run.
type Artifacts struct {
	dir    string
	logger *logx.Logger
}

// NewArtifacts creates the run directory. An empty base disables writing.
func NewArtifacts(base, runID string) (*Artifacts, error) {
	a := &Artifacts{logger: logx.NewLogger("tune")}
	if base == "" {
		return a, nil
	}
	a.dir = filepath.Join(base, runID)
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return a, nil
}

// Dir returns the run directory, or "" when disabled.
func (a *Artifacts) Dir() string {
	if a == nil {
		return ""
	}
	return a.dir
}

// Write stores content as name. Names may not leave the run directory.
func (a *Artifacts) Write(name, content string) {
	if a == nil || a.dir == "" {
		return
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		a.logger.Warn("refusing artifact name %q", name)
		return
	}
	p := filepath.Join(a.dir, clean)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		a.logger.Warn("artifact %s: %v", name, err)
		return
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		a.logger.Warn("artifact %s: %v", name, err)
	}
}

// Writef formats and stores an attempt-scoped artifact: attempt_<n>_<name>.
func (a *Artifacts) Writef(attempt int, name, format string, args ...any) {
	a.Write(fmt.Sprintf("attempt_%d_%s", attempt, name), fmt.Sprintf(format, args...))
}

// Sink returns a bundle collector sink that prefixes names with the attempt.
func (a *Artifacts) Sink(attempt int) func(name, content string) {
	return func(name, content string) {
		a.Write(fmt.Sprintf("attempt_%d_bundle/%s", attempt, name), content)
	}
}
