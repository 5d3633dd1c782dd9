package manifest

import (
	"path"
	"regexp"
	"strings"
)

// Identity used when relaxed output carries none and the caller gave no defaults.
const (
	RelaxedWorkItemID   = "WI-AUTO"
	RelaxedProducerRole = "BUILDER"
)

// DefaultRelaxedPrefix is the only output area heading-style sections may write to.
const DefaultRelaxedPrefix = "docs/"

var (
	delimiterRe = regexp.MustCompile(`^\s*(-{3,}|={3,})\s*$`)
	pathKeyRe   = regexp.MustCompile(`^\s*path:\s*(\S.*?)\s*$`)
	headingRe   = regexp.MustCompile(`^#{1,3}\s+(.+?)\s*$`)
)

// parseRelaxed recovers file sections from loosely structured generator output.
// scan carries whatever the strict pass found; complete FILE blocks are reused
// before any looser grammar is tried.
func parseRelaxed(lines []string, scan *strictScan, opts Options) (*Manifest, error) {
	files := scan.files
	if len(files) == 0 || scan.err != nil {
		var err error
		files, err = relaxedSections(lines)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			files = relaxedHeadings(lines, opts.relaxedPrefix())
		}
	}
	if len(files) == 0 {
		return nil, &FormatError{Grammar: "relaxed", Msg: "no file sections found"}
	}

	workItem, role := identity(scan.meta, opts)
	if workItem == "" {
		workItem = RelaxedWorkItemID
	}
	if role == "" {
		role = RelaxedProducerRole
	}
	relaxed := &strictScan{meta: scan.meta, files: files, deletes: scan.deletes, verify: scan.verify}
	return relaxed.manifest(workItem, role), nil
}

// relaxedSections reads delimiter-separated sections whose first non-blank line is
// "path: <p>". A delimiter inside a section's content is kept as content unless it
// is followed by another path key or by nothing at all.
func relaxedSections(lines []string) ([]FileEntry, error) {
	var (
		files   []FileEntry
		curPath string
		buf     []string
		open    bool
	)
	flush := func() {
		if curPath != "" {
			files = append(files, newTextEntry(curPath, sectionContent(buf)))
		}
		curPath, buf, open = "", nil, false
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if delimiterRe.MatchString(line) {
			if curPath == "" || startsSection(lines, i+1) {
				flush()
				open = true
				continue
			}
			buf = append(buf, line)
			continue
		}
		if open && curPath == "" {
			if strings.TrimSpace(line) == "" {
				continue
			}
			m := pathKeyRe.FindStringSubmatch(line)
			if m == nil {
				open = false
				continue
			}
			p, err := relaxedPath(m[1])
			if err != nil {
				return nil, err
			}
			curPath = p
			continue
		}
		if curPath != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return files, nil
}

// startsSection reports whether the next non-blank line from i is a path key or EOF.
func startsSection(lines []string, i int) bool {
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		return pathKeyRe.MatchString(lines[i])
	}
	return true
}

// relaxedHeadings reads markdown headings whose text is a path under prefix; each
// such heading opens a section that runs to the next one.
func relaxedHeadings(lines []string, prefix string) []FileEntry {
	var (
		files   []FileEntry
		curPath string
		buf     []string
	)
	for _, line := range lines {
		if p, ok := headingPath(line, prefix); ok {
			if curPath != "" {
				files = append(files, newTextEntry(curPath, sectionContent(buf)))
			}
			curPath, buf = p, nil
			continue
		}
		if curPath != "" {
			buf = append(buf, line)
		}
	}
	if curPath != "" {
		files = append(files, newTextEntry(curPath, sectionContent(buf)))
	}
	return files
}

func headingPath(line, prefix string) (string, bool) {
	m := headingRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	text := strings.Trim(m[1], "`*_ ")
	text = strings.TrimSuffix(text, ":")
	if text == "" || strings.ContainsAny(text, " \t") {
		return "", false
	}
	p, err := relaxedPath(text)
	if err != nil || !strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/") {
		return "", false
	}
	return p, true
}

// relaxedPath normalizes a path and rejects absolute or escaping ones.
func relaxedPath(raw string) (string, error) {
	p := strings.ReplaceAll(strings.Trim(strings.TrimSpace(raw), "`"), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", &FormatError{Grammar: "relaxed", Msg: "invalid section path", Excerpt: Excerpt(raw)}
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", &FormatError{Grammar: "relaxed", Msg: "invalid section path", Excerpt: Excerpt(raw)}
	}
	return p, nil
}

// sectionContent trims surrounding blank lines and one enclosing code fence, then
// applies the single trailing newline rule.
func sectionContent(buf []string) string {
	start, end := 0, len(buf)
	for start < end && strings.TrimSpace(buf[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(buf[end-1]) == "" {
		end--
	}
	body := buf[start:end]
	if len(body) >= 2 &&
		strings.HasPrefix(strings.TrimSpace(body[0]), "```") &&
		strings.TrimSpace(body[len(body)-1]) == "```" {
		body = body[1 : len(body)-1]
	}
	return strings.Join(body, "\n") + "\n"
}
