package diffguard

import (
	"fmt"
	"strings"
)

// ScopeError lists touched paths outside the allowed set.
type ScopeError struct {
	Paths   []string
	Allowed []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("diff touches paths outside the allow-list: %s", strings.Join(e.Paths, ", "))
}

// StabilityError reports a change that weakens the workflow without evidence.
type StabilityError struct {
	Path   string
	Reason string
	Line   string
}

func (e *StabilityError) Error() string {
	return fmt.Sprintf("unstable change in %s: %s: %s", e.Path, e.Reason, e.Line)
}

// ApplyConflictError reports a diff git refused to apply. Context holds the
// current contents of the conflicting files for the next prompt.
type ApplyConflictError struct {
	Stage   string // "check" or "3way"
	Output  string
	Paths   []string
	Context map[string]string
}

func (e *ApplyConflictError) Error() string {
	msg := "git apply " + e.Stage + " failed"
	if len(e.Paths) > 0 {
		msg += " on " + strings.Join(e.Paths, ", ")
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + firstLines(out, 5)
	}
	return msg
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
