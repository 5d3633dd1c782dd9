package diffguard

import (
	"context"

	"github.com/agenda-podcast/fd2/pkg/logx"
)

// Validate runs the format, scope and stability guards in order and returns the
// parsed diff when all pass.
func Validate(ctx context.Context, candidate string, allowed *AllowedFileSet, evidence string, root Exister) (*Diff, error) {
	if err := CheckFormat(candidate); err != nil {
		return nil, err
	}
	d, err := ParseDiff(candidate)
	if err != nil {
		return nil, err
	}
	if err := CheckScope(d, allowed); err != nil {
		return nil, err
	}
	if err := CheckStability(d, evidence, root); err != nil {
		return nil, err
	}
	logx.Debug(ctx, "diffguard", "accepted diff touching %v (allow-list %d)", d.Touched(), allowed.Len())
	return d, nil
}
