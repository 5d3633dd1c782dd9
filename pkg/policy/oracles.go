package policy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/config"
)

// ASCIIOracle fails when a checked file contains a byte outside 7-bit ASCII.
type ASCIIOracle struct {
	Lister     Lister
	Extensions []string
	Allowlist  string // allowlist file, relative to root
}

// NewASCIIOracle returns an oracle with the default extensions and allowlist.
func NewASCIIOracle(lister Lister) *ASCIIOracle {
	return &ASCIIOracle{Lister: lister, Extensions: DefaultASCIIExtensions, Allowlist: DefaultASCIIAllowlist}
}

// Name implements Oracle.
func (o *ASCIIOracle) Name() string { return "ascii" }

// Check implements Oracle.
func (o *ASCIIOracle) Check(ctx context.Context, root string) (Report, error) {
	report := Report{Oracle: o.Name()}
	files, allow, err := prepare(ctx, o.Lister, root, o.Allowlist)
	if err != nil {
		return report, err
	}
	exts := extSet(o.Extensions)
	for _, rel := range files {
		if !exts[ext(rel)] || strings.HasPrefix(rel, evidencePrefix) || allow[rel] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		report.Checked++
		if off := apply.NonASCIIOffset(data); off >= 0 {
			report.Violations = append(report.Violations, Violation{
				Path:   rel,
				Detail: fmt.Sprintf("non-ASCII byte at offset %d", off),
			})
		}
	}
	return report, nil
}

// LineLimitOracle fails when a checked file has more than MaxLines lines. Table files
// and evidence/ are exempt.
type LineLimitOracle struct {
	Lister     Lister
	Extensions []string
	Allowlist  string
	MaxLines   int
}

// NewLineLimitOracle returns an oracle with the default extensions, allowlist and limit.
func NewLineLimitOracle(lister Lister) *LineLimitOracle {
	return &LineLimitOracle{
		Lister:     lister,
		Extensions: DefaultLineLimitExtensions,
		Allowlist:  DefaultLineLimitAllowlist,
		MaxLines:   DefaultMaxLines,
	}
}

// Name implements Oracle.
func (o *LineLimitOracle) Name() string { return "line_limit" }

// Check implements Oracle.
func (o *LineLimitOracle) Check(ctx context.Context, root string) (Report, error) {
	report := Report{Oracle: o.Name()}
	files, allow, err := prepare(ctx, o.Lister, root, o.Allowlist)
	if err != nil {
		return report, err
	}
	limit := o.MaxLines
	if limit <= 0 {
		limit = DefaultMaxLines
	}
	exts := extSet(o.Extensions)
	for _, rel := range files {
		e := ext(rel)
		if tableExtensions[e] || !exts[e] || strings.HasPrefix(rel, evidencePrefix) || allow[rel] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		report.Checked++
		if n := countLines(data); n > limit {
			report.Violations = append(report.Violations, Violation{
				Path:   rel,
				Detail: fmt.Sprintf("%d lines (max %d)", n, limit),
			})
		}
	}
	return report, nil
}

// countLines counts lines the way a line iterator does: a final line without a
// newline still counts.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func prepare(ctx context.Context, lister Lister, root, allowlist string) ([]string, map[string]bool, error) {
	if lister == nil {
		lister = NewGitLister()
	}
	files, err := lister.List(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	allow, err := readAllowlist(root, allowlist)
	if err != nil {
		return nil, nil, err
	}
	return files, allow, nil
}

// FromConfig builds the configured oracles. Empty config fields keep the defaults.
func FromConfig(cfg *config.PolicyConfig, lister Lister) []Oracle {
	ascii := NewASCIIOracle(lister)
	lines := NewLineLimitOracle(lister)
	if len(cfg.ASCIIExtensions) > 0 {
		ascii.Extensions = cfg.ASCIIExtensions
	}
	if cfg.ASCIIAllowlist != "" {
		ascii.Allowlist = cfg.ASCIIAllowlist
	}
	if len(cfg.LineLimitExtensions) > 0 {
		lines.Extensions = cfg.LineLimitExtensions
	}
	if cfg.LineLimitAllowlist != "" {
		lines.Allowlist = cfg.LineLimitAllowlist
	}
	if cfg.MaxLines > 0 {
		lines.MaxLines = cfg.MaxLines
	}
	return []Oracle{ascii, lines}
}
