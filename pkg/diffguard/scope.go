package diffguard

import (
	"path"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/agenda-podcast/fd2/pkg/manifest"
)

const devNull = "/dev/null"

// FileChange is one file section of a parsed diff.
type FileChange struct {
	OrigPath string // empty for created files
	NewPath  string // empty for deleted files
	Created  bool
	Deleted  bool
	Hunks    [][]string // body lines of each hunk, prefixes kept
}

// Path is the path the change lands on.
func (f FileChange) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OrigPath
}

// Diff is a parsed multi-file unified diff.
type Diff struct {
	Files []FileChange
}

// ParseDiff extracts per-file changes from a git-style unified diff.
func ParseDiff(text string) (*Diff, error) {
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, &manifest.FormatError{Grammar: grammarDiff, Msg: "unparseable diff: " + err.Error()}
	}
	if len(fds) == 0 {
		return nil, &manifest.FormatError{Grammar: grammarDiff, Msg: "diff has no file sections"}
	}

	out := &Diff{Files: make([]FileChange, 0, len(fds))}
	for _, fd := range fds {
		fc := FileChange{
			OrigPath: diffPath(fd.OrigName),
			NewPath:  diffPath(fd.NewName),
		}
		for _, ext := range fd.Extended {
			switch {
			case strings.HasPrefix(ext, "new file mode"):
				fc.Created = true
			case strings.HasPrefix(ext, "deleted file mode"):
				fc.Deleted = true
			}
		}
		if fc.OrigPath == "" {
			fc.Created = true
		}
		if fc.NewPath == "" {
			fc.Deleted = true
		}
		if fc.Path() == "" {
			return nil, &manifest.FormatError{Grammar: grammarDiff, Msg: "file section without a path"}
		}
		for _, h := range fd.Hunks {
			body := strings.TrimSuffix(string(h.Body), "\n")
			fc.Hunks = append(fc.Hunks, strings.Split(body, "\n"))
		}
		out.Files = append(out.Files, fc)
	}
	return out, nil
}

// diffPath strips git's a/ b/ prefixes and maps /dev/null to "".
func diffPath(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == devNull {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return NormalizePath(name)
}

// Touched returns every path the diff reads or writes, deduplicated, in order.
func (d *Diff) Touched() []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range d.Files {
		for _, p := range []string{f.OrigPath, f.NewPath} {
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Created returns the set of paths the diff creates.
func (d *Diff) Created() map[string]bool {
	out := make(map[string]bool)
	for _, f := range d.Files {
		if f.Created && f.NewPath != "" {
			out[f.NewPath] = true
		}
	}
	return out
}

// NormalizePath cleans a repository-relative path for set comparison.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	if p == "." {
		return ""
	}
	return p
}

// AllowedFileSet is the set of paths a diff may modify in one attempt.
type AllowedFileSet struct {
	set   map[string]struct{}
	order []string
}

// NewAllowedFileSet builds the allow-list from the workflow definition path, paths
// named by failure evidence, and paths that previously failed to apply.
func NewAllowedFileSet(workflowPath string, evidencePaths, failedPaths []string) *AllowedFileSet {
	a := &AllowedFileSet{set: make(map[string]struct{})}
	a.Add(workflowPath)
	for _, p := range evidencePaths {
		a.Add(p)
	}
	for _, p := range failedPaths {
		a.Add(p)
	}
	return a
}

// Add inserts p after normalization. Blank paths are ignored.
func (a *AllowedFileSet) Add(p string) {
	n := NormalizePath(p)
	if n == "" {
		return
	}
	if _, ok := a.set[n]; ok {
		return
	}
	a.set[n] = struct{}{}
	a.order = append(a.order, n)
}

// Contains reports whether p is allowed.
func (a *AllowedFileSet) Contains(p string) bool {
	if a == nil {
		return false
	}
	_, ok := a.set[NormalizePath(p)]
	return ok
}

// Len returns the number of allowed paths.
func (a *AllowedFileSet) Len() int {
	if a == nil {
		return 0
	}
	return len(a.order)
}

// Paths returns the allowed paths in insertion order.
func (a *AllowedFileSet) Paths() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.order...)
}

// CheckScope rejects a diff touching any path that is neither allowed nor newly
// created by the diff. An empty allow-list allows everything.
func CheckScope(d *Diff, allowed *AllowedFileSet) error {
	if allowed.Len() == 0 {
		return nil
	}
	created := d.Created()
	var outside []string
	for _, p := range d.Touched() {
		if created[p] || allowed.Contains(p) {
			continue
		}
		outside = append(outside, p)
	}
	if len(outside) == 0 {
		return nil
	}
	sort.Strings(outside)
	return &ScopeError{Paths: outside, Allowed: allowed.Paths()}
}
