// Package templates renders the embedded prompt templates the tune loop sends to the
// generator.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Section is one named block of prompt evidence, rendered as NAME_BEGIN ... NAME_END.
type Section struct {
	Name string
	Body string
}

// TemplateData holds the data for template rendering.
type TemplateData struct {
	ProducerRole string
	WorkItemID   string
	Branch       string
	WorkflowPath string
	Attempt      int
	MaxAttempts  int
	Sections     []Section

	// Follow-up prompts wrap the original prompt.
	Base       string
	ParseError string
	Part       int
	Total      int

	Chunk string
}

// Name identifies an embedded template.
type Name string

const (
	// FixDiffTemplate asks for a unified diff.
	FixDiffTemplate Name = "fix_diff.tpl.md"
	// FixBundleTemplate asks for an FD_BUNDLE_V1 file bundle.
	FixBundleTemplate Name = "fix_bundle.tpl.md"
	// FormatRepairTemplate re-asks after a bundle failed to parse.
	FormatRepairTemplate Name = "format_repair.tpl.md"
	// ContinueBundleTemplate asks for the next part of a multi-part bundle.
	ContinueBundleTemplate Name = "continue_bundle.tpl.md"
	// SnapshotChunkTemplate uploads one repository snapshot chunk.
	SnapshotChunkTemplate Name = "snapshot_chunk.tpl.md"
)

// DefaultProducerRole is used when TemplateData.ProducerRole is empty.
const DefaultProducerRole = "BUILDER"

// Renderer handles template rendering for tune prompts.
type Renderer struct {
	templates map[Name]*template.Template
	role      string
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[Name]*template.Template),
		role:      DefaultProducerRole,
	}

	names := []Name{
		FixDiffTemplate,
		FixBundleTemplate,
		FormatRepairTemplate,
		ContinueBundleTemplate,
		SnapshotChunkTemplate,
	}
	for _, name := range names {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"join": strings.Join,
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// WithProducerRole sets the role used by follow-up prompts that carry no TemplateData.
func (r *Renderer) WithProducerRole(role string) *Renderer {
	if role != "" {
		r.role = role
	}
	return r
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(name Name, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[name]
	if !exists {
		return "", fmt.Errorf("template %s not found", name)
	}
	if data.ProducerRole == "" {
		data.ProducerRole = r.role
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Continue renders the continuation request for part of total.
func (r *Renderer) Continue(base string, part, total int) (string, error) {
	return r.Render(ContinueBundleTemplate, &TemplateData{Base: base, Part: part, Total: total})
}

// FormatRepair renders the FORMAT_REPAIR re-prompt for a bundle that failed to parse.
func (r *Renderer) FormatRepair(base, parseErr string) (string, error) {
	return r.Render(FormatRepairTemplate, &TemplateData{Base: base, ParseError: parseErr})
}

// SnapshotChunk renders the upload prompt for chunk part of total.
func (r *Renderer) SnapshotChunk(part, total int, chunk string) (string, error) {
	return r.Render(SnapshotChunkTemplate, &TemplateData{Part: part, Total: total, Chunk: chunk})
}
