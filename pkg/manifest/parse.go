package manifest

import "strings"

// Grammar tags which syntax produced a Result.
type Grammar int

const (
	GrammarStrict Grammar = iota + 1
	GrammarRelaxed
	GrammarJSON
	GrammarBundle
)

func (g Grammar) String() string {
	switch g {
	case GrammarStrict:
		return "strict"
	case GrammarRelaxed:
		return "relaxed"
	case GrammarJSON:
		return "json"
	case GrammarBundle:
		return "bundle"
	default:
		return "unknown"
	}
}

// Options tunes parsing.
type Options struct {
	// DefaultWorkItemID and DefaultProducerRole fill missing identity metadata.
	DefaultWorkItemID   string
	DefaultProducerRole string
	// RelaxedPrefix restricts heading-style relaxed sections. Empty means DefaultRelaxedPrefix.
	RelaxedPrefix string
}

func (o Options) relaxedPrefix() string {
	p := o.RelaxedPrefix
	if p == "" {
		p = DefaultRelaxedPrefix
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Result is a parsed manifest tagged with the grammar that accepted it.
type Result struct {
	Manifest *Manifest
	Grammar  Grammar
}

// Parse accepts any supported syntax: FD_BUNDLE_V1 (single part), FD_PATCH_V1 with
// relaxed fallback, a JSON object, or bare relaxed sections.
func Parse(text string, opts Options) (Result, error) {
	t := StripFence(Normalize(text))
	t = strings.TrimSpace(t)
	if t == "" {
		return Result{}, &FormatError{Msg: "empty manifest text"}
	}

	switch {
	case strings.HasPrefix(t, BundleHeader):
		body, err := BundleBody(t)
		if err != nil {
			return Result{}, err
		}
		res, err := ParsePatch(body, opts)
		if err != nil {
			return Result{}, err
		}
		res.Grammar = GrammarBundle
		return res, nil
	case strings.HasPrefix(t, PatchHeader):
		return ParsePatch(t, opts)
	case strings.HasPrefix(t, "{") || looksLikeJSON(t):
		m, err := ParseJSON(t)
		if err != nil {
			return Result{}, err
		}
		return Result{Manifest: m, Grammar: GrammarJSON}, nil
	default:
		lines := strings.Split(t, "\n")
		m, err := parseRelaxed(lines, &strictScan{meta: map[string]string{}}, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Manifest: m, Grammar: GrammarRelaxed}, nil
	}
}

// ParsePatch runs the strict FD_PATCH_V1 grammar and, only when required identity
// or FILE blocks are absent, the relaxed grammar. When both fail the strict error
// is returned since it carries the precise location.
func ParsePatch(text string, opts Options) (Result, error) {
	lines := strings.Split(strings.TrimSpace(Normalize(text)), "\n")
	scan := scanStrict(lines)

	m, err := scan.build(opts)
	if err == nil {
		return Result{Manifest: m, Grammar: GrammarStrict}, nil
	}
	if !scan.needsRelaxed(opts) {
		return Result{}, err
	}

	rm, rerr := parseRelaxed(lines, &scan, opts)
	if rerr != nil {
		return Result{}, err
	}
	return Result{Manifest: rm, Grammar: GrammarRelaxed}, nil
}

// BundleBody replaces an FD_BUNDLE_V1 header line with the FD_PATCH_V1 header.
func BundleBody(raw string) (string, error) {
	t := strings.TrimSpace(Normalize(raw))
	if !strings.HasPrefix(t, BundleHeader) {
		return "", &FormatError{Grammar: BundleHeader, Msg: "missing " + BundleHeader + " header", Excerpt: Excerpt(firstLine(t))}
	}
	_, rest, _ := strings.Cut(t, "\n")
	return PatchHeader + "\n" + strings.TrimLeft(rest, " \t\n"), nil
}

// Normalize converts CRLF and lone CR line endings to LF.
func Normalize(text string) string {
	t := strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(t, "\r", "\n")
}

// StripFence removes one markdown code fence wrapping the whole text.
func StripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	lines := strings.Split(t, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.HasPrefix(strings.TrimSpace(lines[n-1]), "```") {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstLine(t string) string {
	line, _, _ := strings.Cut(t, "\n")
	return line
}

// looksLikeJSON catches a JSON object preceded by stray prose.
func looksLikeJSON(t string) bool {
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	return start >= 0 && end > start && strings.Contains(t[start:end], `"files"`)
}
