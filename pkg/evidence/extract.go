// Package evidence turns CI run output into bounded failure evidence: pattern
// excerpts, a log summary, path tokens, and the workflow definition.
package evidence

import (
	"fmt"
	"strings"
)

// Defaults for PatternExtractor.
const (
	DefaultContext  = 2
	DefaultMaxHits  = 40
	DefaultHeadSize = 120
)

// DefaultPatterns are substrings that mark a log line as a failure signal.
var DefaultPatterns = []string{
	"Error:",
	"ERROR",
	"Traceback",
	"Exception",
	"FAILED",
	"Failure",
	"FD_FAIL",
	"FD_POLICY_FAIL",
	"UnboundLocalError",
	"ModuleNotFoundError",
}

// Excerpt is a window of log lines around a matching line.
type Excerpt struct {
	Line    int // 1-based line of the match
	Pattern string
	Text    string
}

// Extractor finds failure excerpts in log text.
type Extractor interface {
	Extract(text string) []Excerpt
}

// PatternExtractor matches fixed substrings line by line.
type PatternExtractor struct {
	Patterns []string
	Context  int
	MaxHits  int
}

// NewPatternExtractor returns an extractor with the default patterns and limits.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{
		Patterns: DefaultPatterns,
		Context:  DefaultContext,
		MaxHits:  DefaultMaxHits,
	}
}

// Extract returns at most MaxHits excerpts in log order. A line matching several
// patterns yields one excerpt.
func (p *PatternExtractor) Extract(text string) []Excerpt {
	if text == "" {
		return nil
	}
	lines := splitLines(text)
	var hits []Excerpt
	for i, line := range lines {
		for _, pat := range p.Patterns {
			if !strings.Contains(line, pat) {
				continue
			}
			start := max(0, i-p.Context)
			end := min(len(lines), i+p.Context+1)
			hits = append(hits, Excerpt{
				Line:    i + 1,
				Pattern: pat,
				Text:    strings.Join(lines[start:end], "\n"),
			})
			break
		}
		if p.MaxHits > 0 && len(hits) >= p.MaxHits {
			break
		}
	}
	return hits
}

// Summarize renders the log head and the extracted discrepancies in the block
// layout the fix prompts expect. An empty log yields "".
func Summarize(logText string, ex Extractor) string {
	if logText == "" {
		return ""
	}
	if ex == nil {
		ex = NewPatternExtractor()
	}

	var b strings.Builder
	b.WriteString("LOG_HEAD_BEGIN\n")
	b.WriteString(Head(logText, DefaultHeadSize))
	b.WriteString("\nLOG_HEAD_END\n\nDISCREPANCIES_BEGIN\n")
	b.WriteString(FormatExcerpts(ex.Extract(logText)))
	b.WriteString("DISCREPANCIES_END\n")
	return b.String()
}

// Head returns the first n lines of logText.
func Head(logText string, n int) string {
	if logText == "" {
		return ""
	}
	lines := splitLines(logText)
	return strings.Join(lines[:min(len(lines), n)], "\n")
}

// FormatExcerpts renders hits as "----\nline=N\n<text>\n" blocks.
func FormatExcerpts(hits []Excerpt) string {
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "----\nline=%d\n%s\n", h.Line, h.Text)
	}
	return b.String()
}

// JoinExcerpts concatenates excerpt texts for path-token scanning and prompts.
func JoinExcerpts(hits []Excerpt) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Text)
	}
	return strings.Join(parts, "\n")
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}
