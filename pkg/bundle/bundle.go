// Package bundle assembles FD_BUNDLE_V1 multi-part transmissions into one manifest.
package bundle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/manifest"
)

// MaxParts caps how many parts a generator may declare.
const MaxParts = 8

// Part is one raw transmission with its declared position.
type Part struct {
	Raw   string
	Index int
	Total int
}

// NewPart tags raw with the PART x/y values from its first line.
func NewPart(raw string) Part {
	x, y := TotalParts(raw)
	return Part{Raw: raw, Index: x, Total: y}
}

// TotalParts extracts x/y from "FD_BUNDLE_V1 PART x/y". Anything absent or
// malformed yields (1, 1).
func TotalParts(raw string) (int, int) {
	t := strings.TrimSpace(raw)
	if !strings.HasPrefix(t, manifest.BundleHeader) {
		return 1, 1
	}
	first, _, _ := strings.Cut(t, "\n")
	first = strings.TrimSpace(first)
	if !strings.Contains(first, "PART") {
		return 1, 1
	}
	toks := strings.Fields(first)
	if len(toks) < 4 {
		return 1, 1
	}
	a, b, ok := strings.Cut(toks[3], "/")
	if !ok {
		return 1, 1
	}
	x, err := strconv.Atoi(a)
	if err != nil {
		return 1, 1
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 1, 1
	}
	return x, y
}

// Assemble reparses every part as a standalone manifest and merges them. The first
// part's scalar fields win; files merge by path with later content overriding while
// keeping first-seen order; deletes are concatenated. A part that fails to parse
// fails the whole assembly.
func Assemble(parts []string, opts manifest.Options) (*manifest.Manifest, error) {
	if len(parts) == 0 {
		return nil, &manifest.FormatError{Grammar: manifest.BundleHeader, Msg: "no parts"}
	}

	var (
		base    *manifest.Manifest
		order   []string
		latest  = make(map[string]manifest.FileEntry)
		deletes = []string{}
	)
	for i, raw := range parts {
		body, err := manifest.BundleBody(raw)
		if err != nil {
			return nil, fmt.Errorf("bundle part %d/%d: %w", i+1, len(parts), err)
		}
		partOpts := opts
		if base != nil {
			partOpts.DefaultWorkItemID = base.WorkItemID
			partOpts.DefaultProducerRole = base.ProducerRole
		}
		res, err := manifest.ParsePatch(body, partOpts)
		if err != nil {
			return nil, fmt.Errorf("bundle part %d/%d: %w", i+1, len(parts), err)
		}
		m := res.Manifest
		if base == nil {
			base = m
		}
		deletes = append(deletes, m.Delete...)
		for _, fe := range m.Files {
			if _, seen := latest[fe.Path]; !seen {
				order = append(order, fe.Path)
			}
			latest[fe.Path] = fe
		}
	}

	files := make([]manifest.FileEntry, 0, len(order))
	for _, p := range order {
		files = append(files, latest[p])
	}
	return &manifest.Manifest{
		SchemaVersion:     base.SchemaVersion,
		WorkItemID:        base.WorkItemID,
		ProducerRole:      base.ProducerRole,
		ArtifactType:      base.ArtifactType,
		Files:             files,
		Delete:            deletes,
		EntryPoint:        base.EntryPoint,
		BuildCommand:      base.BuildCommand,
		TestCommand:       base.TestCommand,
		VerificationSteps: base.VerificationSteps,
	}, nil
}

// Split renders m as bundle parts of roughly maxBytes each. Scalars, deletes and
// verification steps travel in the first part; every part repeats the identity.
func Split(m *manifest.Manifest, maxBytes int) ([]string, error) {
	if len(m.Files) == 0 {
		return nil, &manifest.FormatError{Grammar: manifest.BundleHeader, Msg: "no files to split"}
	}
	if maxBytes <= 0 {
		maxBytes = 50000
	}

	var chunks [][]manifest.FileEntry
	var cur []manifest.FileEntry
	size := 0
	for _, fe := range m.Files {
		n := len(fe.Path) + len(fe.Content) + 16
		if len(cur) > 0 && size+n > maxBytes {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, fe)
		size += n
	}
	chunks = append(chunks, cur)
	if len(chunks) > MaxParts {
		return nil, &manifest.FormatError{Grammar: manifest.BundleHeader, Msg: fmt.Sprintf("needs %d parts, max %d", len(chunks), MaxParts)}
	}

	parts := make([]string, 0, len(chunks))
	for i, files := range chunks {
		pm := &manifest.Manifest{
			WorkItemID:   m.WorkItemID,
			ProducerRole: m.ProducerRole,
			Files:        files,
		}
		if i == 0 {
			pm.ArtifactType = m.ArtifactType
			pm.EntryPoint = m.EntryPoint
			pm.BuildCommand = m.BuildCommand
			pm.TestCommand = m.TestCommand
			pm.Delete = m.Delete
			pm.VerificationSteps = m.VerificationSteps
		}
		text, err := manifest.Encode(pm)
		if err != nil {
			return nil, err
		}
		header := fmt.Sprintf("%s PART %d/%d", manifest.BundleHeader, i+1, len(chunks))
		parts = append(parts, header+strings.TrimPrefix(text, manifest.PatchHeader))
	}
	return parts, nil
}
