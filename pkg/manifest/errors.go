package manifest

import (
	"errors"
	"fmt"
)

// ErrFormat matches every FormatError via errors.Is.
var ErrFormat = errors.New("format violation")

const excerptLimit = 120

// FormatError reports malformed manifest or diff text.
type FormatError struct {
	Grammar string // "FD_PATCH_V1", "relaxed", "json", "diff", ...
	Msg     string
	Path    string // offending FILE path, when known
	Excerpt string // offending line, truncated
	Line    int    // 1-based, 0 when unknown
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Grammar != "" {
		msg = e.Grammar + " parse failed: " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d)", e.Line)
	}
	if e.Excerpt != "" {
		msg += ": " + e.Excerpt
	}
	return msg
}

// Is lets errors.Is(err, ErrFormat) match.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// Excerpt truncates s for diagnostics.
func Excerpt(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit]
}

// IsFormat reports whether err is a format violation.
func IsFormat(err error) bool {
	return errors.Is(err, ErrFormat)
}
