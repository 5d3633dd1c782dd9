package workspace

import (
	"fmt"
	"strings"
)

// PushConflictError means the remote branch moved since the lease was taken.
type PushConflictError struct {
	Branch string
	Lease  string
	Output string
}

func (e *PushConflictError) Error() string {
	return fmt.Sprintf("push to %s rejected (lease %s): remote moved", e.Branch, shortSHA(e.Lease))
}

// rejectionMarkers are git push outputs that mean "fetch and try again".
var rejectionMarkers = []string{
	"stale info",
	"[rejected]",
	"fetch first",
	"non-fast-forward",
	"failed to push some refs",
}

func isPushRejection(output string) bool {
	for _, m := range rejectionMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
