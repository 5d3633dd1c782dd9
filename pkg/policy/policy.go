// Package policy implements the repository policy oracles run after a patch is
// applied: ASCII-only text and a per-file line limit. Each oracle is an opaque
// pass/fail check over the tracked files of a checkout.
package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/workspace"
)

// Default allowlist files, relative to the checkout root.
const (
	DefaultASCIIAllowlist     = "tools/ascii_allowlist.txt"
	DefaultLineLimitAllowlist = "tools/line_limit_allowlist.txt"
	DefaultMaxLines           = 500
	evidencePrefix            = "evidence/"
)

// DefaultASCIIExtensions are checked by ASCIIOracle.
//
//nolint:gochecknoglobals // policy defaults
var DefaultASCIIExtensions = []string{".md", ".html", ".css", ".js", ".py", ".yml", ".yaml", ".json", ".txt"}

// DefaultLineLimitExtensions are checked by LineLimitOracle.
//
//nolint:gochecknoglobals // policy defaults
var DefaultLineLimitExtensions = []string{".py", ".js", ".ts", ".html", ".css", ".yml", ".yaml", ".json", ".md", ".txt"}

// tableExtensions are always exempt from the line limit.
//
//nolint:gochecknoglobals // policy defaults
var tableExtensions = map[string]bool{".csv": true, ".tsv": true}

// Violation is one offending file.
type Violation struct {
	Path   string
	Detail string
}

// Report is the outcome of one oracle.
type Report struct {
	Oracle     string
	Checked    int
	Violations []Violation
}

// Passed reports whether no violations were found.
func (r *Report) Passed() bool {
	return len(r.Violations) == 0
}

// String renders the report in the FD_POLICY_FAIL evidence format.
func (r *Report) String() string {
	if r.Passed() {
		return fmt.Sprintf("[fd][policy] %s check PASS (%d files)", r.Oracle, r.Checked)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FD_POLICY_FAIL: %s\n", r.Oracle)
	for _, v := range r.Violations {
		fmt.Fprintf(&b, " - %s: %s\n", v.Path, v.Detail)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Oracle checks a checkout against one policy.
type Oracle interface {
	Name() string
	Check(ctx context.Context, root string) (Report, error)
}

// Lister enumerates the files an oracle inspects.
type Lister interface {
	List(ctx context.Context, root string) ([]string, error)
}

// GitLister lists tracked files with git ls-files and falls back to a directory walk
// when root is not a git checkout.
type GitLister struct {
	Git workspace.GitRunner
}

// NewGitLister returns a lister using the default git runner.
func NewGitLister() *GitLister {
	return &GitLister{Git: workspace.NewDefaultGitRunner()}
}

// List returns slash-separated paths relative to root, sorted.
func (g *GitLister) List(ctx context.Context, root string) ([]string, error) {
	if g.Git != nil {
		out, err := g.Git.Run(ctx, root, "ls-files")
		if err == nil {
			var files []string
			for _, line := range strings.Split(string(out), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					files = append(files, line)
				}
			}
			sort.Strings(files)
			return files, nil
		}
	}
	return walk(root)
}

func walk(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// readAllowlist reads one path per line; blank lines and # comments are ignored. A
// missing file is an empty list.
func readAllowlist(root, rel string) (map[string]bool, error) {
	out := make(map[string]bool)
	if rel == "" {
		return out, nil
	}
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowlist %s: %w", rel, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[line] = true
	}
	return out, nil
}

func extSet(exts []string) map[string]bool {
	out := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out[e] = true
	}
	return out
}

func ext(p string) string {
	return strings.ToLower(path.Ext(p))
}

// RunAll runs every oracle and returns the reports in order. The first error stops the run.
func RunAll(ctx context.Context, root string, oracles ...Oracle) ([]Report, error) {
	reports := make([]Report, 0, len(oracles))
	for _, o := range oracles {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := o.Check(ctx, root)
		if err != nil {
			return reports, fmt.Errorf("%s oracle: %w", o.Name(), err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Failures renders the failing reports as evidence text. It returns "" when all passed.
func Failures(reports []Report) string {
	var parts []string
	for i := range reports {
		if !reports[i].Passed() {
			parts = append(parts, reports[i].String())
		}
	}
	return strings.Join(parts, "\n")
}
