package evidence

import (
	"path"
	"regexp"
	"strings"
)

// DefaultMaxPathTokens caps PathTokens output.
const DefaultMaxPathTokens = 50

var (
	runnerPrefixRe = regexp.MustCompile(`/home/runner/work/[^/\s]+/[^/\s]+/`)
	pathTokenRe    = regexp.MustCompile(`[A-Za-z0-9_.\-/]+\.[A-Za-z0-9]{1,8}(?::\d+(?::\d+)?)?`)
	lineSuffixRe   = regexp.MustCompile(`(?::\d+)+$`)
	urlSchemeRe    = regexp.MustCompile(`[A-Za-z][A-Za-z0-9+.\-]*://\S*`)
)

// PathTokens extracts repository-relative file paths mentioned in text, in first
// appearance order, deduplicated and capped at limit (0 means the default).
func PathTokens(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxPathTokens
	}
	text = runnerPrefixRe.ReplaceAllString(text, "")
	text = urlSchemeRe.ReplaceAllString(text, " ")

	var out []string
	seen := make(map[string]bool)
	for _, loc := range pathTokenRe.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && text[loc[0]-1] == '/' {
			// tail of an absolute path
			continue
		}
		tok := lineSuffixRe.ReplaceAllString(text[loc[0]:loc[1]], "")
		tok = strings.TrimRight(tok, ".")
		if strings.HasPrefix(tok, "a/") || strings.HasPrefix(tok, "b/") {
			tok = tok[2:]
		}
		if !plausiblePath(tok) {
			continue
		}
		tok = path.Clean(tok)
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func plausiblePath(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "-") {
		return false
	}
	if strings.Contains(tok, "..") {
		return false
	}
	ext := path.Ext(tok)
	if ext == "" || ext == tok {
		return false
	}
	// version numbers like 3.11 or v1.2.3
	if strings.Trim(tok, "0123456789.v") == "" {
		return false
	}
	if !strings.Contains(tok, "/") && hostSuffixes[ext] {
		return false
	}
	return true
}

var hostSuffixes = map[string]bool{".com": true, ".org": true, ".net": true, ".io": true, ".dev": true}
