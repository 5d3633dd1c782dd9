package apply

import "fmt"

// PathSecurityError reports a path that is unsafe to touch under the root.
type PathSecurityError struct {
	Path   string
	Reason string
}

func (e *PathSecurityError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Path, e.Reason)
}

// EncodingError reports content that violates its declared encoding.
type EncodingError struct {
	Path   string
	Reason string
	Offset int // byte offset of the first offending byte, -1 when not applicable
}

func (e *EncodingError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("encoding error in %s: %s at byte %d", e.Path, e.Reason, e.Offset)
	}
	return fmt.Sprintf("encoding error in %s: %s", e.Path, e.Reason)
}
