// Package diffguard validates generated unified diffs before they reach the
// working tree: format, scope against an allow-list, and workflow stability.
package diffguard

import (
	"strings"

	"github.com/agenda-podcast/fd2/pkg/manifest"
)

const grammarDiff = "diff"

// Clean normalizes line endings and removes one surrounding code fence.
func Clean(candidate string) string {
	t := manifest.StripFence(manifest.Normalize(candidate))
	t = strings.TrimSpace(t)
	if t == "" {
		return t
	}
	return t + "\n"
}

// CheckFormat rejects text that is not a git-style unified diff.
func CheckFormat(candidate string) error {
	first := ""
	for _, line := range strings.Split(candidate, "\n") {
		if strings.TrimSpace(line) != "" {
			first = strings.TrimSpace(line)
			break
		}
	}
	if first == "" {
		return &manifest.FormatError{Grammar: grammarDiff, Msg: "empty diff"}
	}
	if !strings.HasPrefix(first, "diff --git") {
		return &manifest.FormatError{Grammar: grammarDiff, Msg: "first line is not 'diff --git'", Excerpt: manifest.Excerpt(first)}
	}
	if !strings.Contains(candidate, "--- ") || !strings.Contains(candidate, "+++ ") {
		return &manifest.FormatError{Grammar: grammarDiff, Msg: "missing ---/+++ file headers"}
	}
	if !strings.Contains(candidate, "@@") &&
		!strings.Contains(candidate, "new file mode") &&
		!strings.Contains(candidate, "deleted file mode") {
		return &manifest.FormatError{Grammar: grammarDiff, Msg: "no hunks and no file mode change"}
	}
	return nil
}
