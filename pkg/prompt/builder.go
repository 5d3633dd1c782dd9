// Package prompt assembles fix prompts from CI evidence within a token budget.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/templates"
)

// Section names, in the order they are kept when the budget runs out.
const (
	SectionAllowedFiles    = "ALLOWED_FILES"
	SectionPreviousError   = "PREVIOUS_ERROR"
	SectionFailedFiles     = "FAILED_FILE_CONTENTS"
	SectionFailureExcerpts = "FAILURE_EXCERPTS"
	SectionWorkflow        = "WORKFLOW_EXCERPT"
	SectionLogHead         = "LOG_HEAD"
)

const (
	// minSectionTokens is the smallest truncated section worth sending.
	minSectionTokens = 32
	// joinSlack absorbs tokenizer merges across section boundaries.
	joinSlack = 16
)

const truncatedMarker = "\n[truncated]"

// Mode selects the fix template.
type Mode string

const (
	// ModeDiff asks for a unified diff.
	ModeDiff Mode = "diff"
	// ModeBundle asks for an FD_BUNDLE_V1 file bundle.
	ModeBundle Mode = "bundle"
)

// Input is the evidence for one fix prompt.
type Input struct {
	Mode         Mode
	WorkItemID   string
	Branch       string
	WorkflowPath string
	Attempt      int
	MaxAttempts  int

	AllowList       []string
	PreviousError   string
	FailedFiles     map[string]string // path -> current contents
	Excerpts        string
	WorkflowExcerpt string
	LogHead         string
}

// Result is a rendered prompt and what the budget did to it.
type Result struct {
	Prompt    string
	Tokens    int
	Truncated []string
	Dropped   []string
}

// Builder fits evidence sections into a token budget and renders the fix template.
type Builder struct {
	renderer *templates.Renderer
	counter  *TokenCounter
	budget   int
	logger   *logx.Logger
}

// NewBuilder creates a builder. budget is the maximum prompt size in tokens.
func NewBuilder(renderer *templates.Renderer, counter *TokenCounter, budget int) *Builder {
	return &Builder{
		renderer: renderer,
		counter:  counter,
		budget:   budget,
		logger:   logx.NewLogger("prompt"),
	}
}

// Build renders the prompt for in. Sections are admitted in priority order; the first
// one that does not fit is truncated and lower-priority sections are dropped.
func (b *Builder) Build(in *Input) (Result, error) {
	tmpl := templates.FixDiffTemplate
	if in.Mode == ModeBundle {
		tmpl = templates.FixBundleTemplate
	}
	data := &templates.TemplateData{
		WorkItemID:   in.WorkItemID,
		Branch:       in.Branch,
		WorkflowPath: in.WorkflowPath,
		Attempt:      in.Attempt,
		MaxAttempts:  in.MaxAttempts,
	}

	frame, err := b.renderer.Render(tmpl, data)
	if err != nil {
		return Result{}, err
	}
	remaining := b.budget - b.counter.CountTokens(frame) - joinSlack

	var res Result
	for _, s := range candidateSections(in) {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		overhead := b.counter.CountTokens(fmt.Sprintf("\n%s_BEGIN\n\n%s_END\n", s.Name, s.Name))
		cost := overhead + b.counter.CountTokens(s.Body)
		if cost <= remaining {
			data.Sections = append(data.Sections, s)
			remaining -= cost
			continue
		}

		room := remaining - overhead - b.counter.CountTokens(truncatedMarker)
		if room < minSectionTokens {
			res.Dropped = append(res.Dropped, s.Name)
			remaining = 0
			continue
		}
		body, _ := b.counter.Truncate(s.Body, room)
		s.Body = body + truncatedMarker
		data.Sections = append(data.Sections, s)
		res.Truncated = append(res.Truncated, s.Name)
		remaining = 0
	}

	if len(res.Truncated) > 0 || len(res.Dropped) > 0 {
		b.logger.Info("prompt budget %d tokens: truncated %v, dropped %v", b.budget, res.Truncated, res.Dropped)
	}

	res.Prompt, err = b.renderer.Render(tmpl, data)
	if err != nil {
		return Result{}, err
	}
	res.Tokens = b.counter.CountTokens(res.Prompt)
	return res, nil
}

func candidateSections(in *Input) []templates.Section {
	return []templates.Section{
		{Name: SectionAllowedFiles, Body: strings.Join(in.AllowList, "\n")},
		{Name: SectionPreviousError, Body: in.PreviousError},
		{Name: SectionFailedFiles, Body: renderFiles(in.FailedFiles)},
		{Name: SectionFailureExcerpts, Body: in.Excerpts},
		{Name: SectionWorkflow, Body: in.WorkflowExcerpt},
		{Name: SectionLogHead, Body: in.LogHead},
	}
}

// renderFiles lists files as FILE blocks, sorted by path.
func renderFiles(files map[string]string) string {
	if len(files) == 0 {
		return ""
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		content := files[p]
		fmt.Fprintf(&b, "FILE: %s\n<<<\n%s", p, content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(">>>\n")
	}
	return b.String()
}
