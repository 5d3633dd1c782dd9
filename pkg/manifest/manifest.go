// Package manifest defines the FD manifest model and its wire syntaxes.
//
// A manifest describes file writes and deletes produced by a text generator. Three
// concrete syntaxes project into the same Manifest type:
//
//   - FD_PATCH_V1, a line-oriented grammar with FILE/DELETE/VERIFY sections
//   - a relaxed fallback for generator output that lost its structure
//   - a single JSON object carrying the same logical fields
//
// Parsing never touches the filesystem; see package apply for that.
package manifest

import (
	"fmt"
	"path"
	"strings"
)

// Wire constants.
const (
	SchemaVersion = "FD-ARTIFACT-1.0"
	PatchHeader   = "FD_PATCH_V1"
	BundleHeader  = "FD_BUNDLE_V1"
)

// Artifact types.
const (
	ArtifactRepoPatch        = "repo_patch"
	ArtifactPipelineSnapshot = "pipeline_snapshot"
)

// Encoding describes how FileEntry.Content is stored.
type Encoding string

const (
	// EncodingText is 7-bit text written as-is.
	EncodingText Encoding = "text"
	// EncodingBinary is base64 text decoded before writing.
	EncodingBinary Encoding = "binary"
)

// FileEntry is one file write.
type FileEntry struct {
	Path        string   `json:"path"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Encoding    Encoding `json:"encoding"`
}

// Manifest is the structured form shared by every syntax.
type Manifest struct {
	SchemaVersion     string      `json:"schema_version"`
	WorkItemID        string      `json:"work_item_id"`
	ProducerRole      string      `json:"producer_role"`
	ArtifactType      string      `json:"artifact_type"`
	Files             []FileEntry `json:"files"`
	Delete            []string    `json:"delete"`
	EntryPoint        string      `json:"entry_point,omitempty"`
	BuildCommand      string      `json:"build_command,omitempty"`
	TestCommand       string      `json:"test_command,omitempty"`
	VerificationSteps []string    `json:"verification_steps"`
}

// Paths returns the written paths in manifest order.
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.Files))
	for i := range m.Files {
		out = append(out, m.Files[i].Path)
	}
	return out
}

// File returns the entry for p, if present.
func (m *Manifest) File(p string) (FileEntry, bool) {
	for i := range m.Files {
		if m.Files[i].Path == p {
			return m.Files[i], true
		}
	}
	return FileEntry{}, false
}

// Validate checks the structural invariants of a single patch: at least one file,
// and every declared path non-empty and relative. Escape checks against a real root
// are the apply engine's job.
func (m *Manifest) Validate() error {
	if len(m.Files) == 0 {
		return &FormatError{Msg: "no FILE blocks found"}
	}
	for i := range m.Files {
		if err := checkRelative(m.Files[i].Path); err != nil {
			return err
		}
	}
	for _, p := range m.Delete {
		if err := checkRelative(p); err != nil {
			return err
		}
	}
	return nil
}

func checkRelative(p string) error {
	if strings.TrimSpace(p) == "" {
		return &FormatError{Msg: "empty path"}
	}
	if strings.HasPrefix(strings.ReplaceAll(p, "\\", "/"), "/") {
		return &FormatError{Msg: "absolute path", Path: p}
	}
	return nil
}

// ContentTypeFor infers a content type from the file extension.
func ContentTypeFor(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".py":
		return "text/x-python"
	case ".md":
		return "text/markdown"
	case ".yml", ".yaml":
		return "text/yaml"
	case ".json":
		return "application/json"
	case ".js":
		return "text/javascript"
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	default:
		return "text/plain"
	}
}

// newTextEntry builds a text FileEntry with the inferred content type.
func newTextEntry(p, content string) FileEntry {
	return FileEntry{
		Path:        p,
		Content:     content,
		ContentType: ContentTypeFor(p),
		Encoding:    EncodingText,
	}
}

// Summary is a one-line description for logs.
func (m *Manifest) Summary() string {
	return fmt.Sprintf("work_item=%s role=%s type=%s files=%d deletes=%d",
		m.WorkItemID, m.ProducerRole, m.ArtifactType, len(m.Files), len(m.Delete))
}
