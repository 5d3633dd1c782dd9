// Package snapshot renders and parses FD_APP_SOURCE_V1 repository snapshots: a plain
// text dump of the tracked text sources that a generator can read back in chunks.
package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agenda-podcast/fd2/pkg/manifest"
)

// Snapshot format constants.
const (
	Header          = "FD_APP_SOURCE_V1"
	Dir             = "docs/assets/app"
	FilePrefix      = "app-source_"
	TimestampLayout = "20060102-150405"

	DefaultMaxFileBytes = 600000
)

// TextExtensions are the file extensions included in a snapshot.
//
//nolint:gochecknoglobals // fixed format definition
var TextExtensions = map[string]bool{
	".py": true, ".md": true, ".yml": true, ".yaml": true, ".json": true, ".txt": true,
	".html": true, ".css": true, ".js": true, ".ts": true, ".csv": true,
}

// ExcludeDirs are skipped along with everything below them.
//
//nolint:gochecknoglobals // fixed format definition
var ExcludeDirs = []string{".git", "__pycache__", ".pytest_cache", "node_modules", ".venv", "venv", "docs/_site", ".github"}

// Options tunes Make.
type Options struct {
	MaxFileBytes int64
	Now          func() time.Time
}

// IsTextPath reports whether p has a snapshot text extension.
func IsTextPath(p string) bool {
	return TextExtensions[strings.ToLower(path.Ext(p))]
}

func excluded(rel string) bool {
	for _, x := range ExcludeDirs {
		if rel == x || strings.HasPrefix(rel, x+"/") {
			return true
		}
	}
	return false
}

// Make renders a snapshot of the text files under root. Earlier snapshots and files
// larger than MaxFileBytes are skipped.
func Make(root string, opts Options) (string, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	var b strings.Builder
	b.WriteString(Header + "\n")
	b.WriteString("timestamp_utc: " + now().UTC().Format(TimestampLayout) + "\n")
	b.WriteString("root: /\n\n")

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsTextPath(rel) || strings.HasPrefix(rel, Dir+"/"+FilePrefix) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > opts.MaxFileBytes {
			return nil //nolint:nilerr // unreadable or oversized files are left out
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil //nolint:nilerr // unreadable files are left out
		}

		content := normalize(strings.ToValidUTF8(string(data), ""))
		b.WriteString("FILE: " + rel + "\n<<<\n")
		b.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(">>>\n\n")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %w", root, err)
	}
	return b.String(), nil
}

// Write renders a snapshot and stores it as docs/assets/app/app-source_<ts>.txt under root.
func Write(root string, opts Options) (string, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := now().UTC()
	opts.Now = func() time.Time { return ts }

	text, err := Make(root, opts)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, filepath.FromSlash(Dir))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	out := filepath.Join(dir, FilePrefix+ts.Format(TimestampLayout)+".txt")
	if err := os.WriteFile(out, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return out, nil
}

// Latest returns the newest stored snapshot under root, or "" when there is none.
func Latest(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(Dir), FilePrefix+"*.txt"))
	if err != nil {
		return "", fmt.Errorf("glob snapshots: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	data, err := os.ReadFile(matches[len(matches)-1])
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// Parse reads a snapshot into a pipeline_snapshot manifest. FILE blocks whose path is
// not a snapshot text type are skipped.
func Parse(text string) (*manifest.Manifest, error) {
	text = normalize(text)
	if !strings.HasPrefix(strings.TrimSpace(text), Header) {
		return nil, &manifest.FormatError{Grammar: Header, Msg: "snapshot missing header"}
	}

	m := &manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		ArtifactType:  manifest.ArtifactPipelineSnapshot,
	}
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "FILE:") {
			continue
		}
		rel := strings.TrimSpace(strings.TrimPrefix(line, "FILE:"))
		if rel == "" {
			return nil, &manifest.FormatError{Grammar: Header, Msg: "empty FILE path", Line: i + 1}
		}
		if i+1 >= len(lines) || strings.TrimSpace(lines[i+1]) != "<<<" {
			return nil, &manifest.FormatError{Grammar: Header, Msg: "missing <<<", Path: rel, Line: i + 1}
		}
		j := i + 2
		for j < len(lines) && strings.TrimSpace(lines[j]) != ">>>" {
			j++
		}
		if j >= len(lines) {
			return nil, &manifest.FormatError{Grammar: Header, Msg: "missing >>>", Path: rel, Line: i + 1}
		}
		body := lines[i+2 : j]
		i = j
		if !IsTextPath(rel) {
			continue
		}
		content := strings.Join(body, "\n")
		if len(body) > 0 {
			content += "\n"
		}
		m.Files = append(m.Files, manifest.FileEntry{
			Path:        rel,
			Content:     content,
			ContentType: manifest.ContentTypeFor(rel),
			Encoding:    manifest.EncodingText,
		})
	}
	if len(m.Files) == 0 {
		return nil, &manifest.FormatError{Grammar: Header, Msg: "no FILE blocks found"}
	}
	return m, nil
}

// Chunks cuts text to maxChars and splits it into pieces of at most chunkSize bytes.
// Blank text yields no chunks.
func Chunks(text string, maxChars, chunkSize int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	if chunkSize <= 0 {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(text); start += chunkSize {
		out = append(out, text[start:min(len(text), start+chunkSize)])
	}
	return out
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
