package evidence

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxLogChars bounds ExtractLogsZip output.
const DefaultMaxLogChars = 400000

// ExtractLogsZip concatenates the .txt members of a CI log archive as
// "### <name>\n<text>" blocks, stopping once maxChars is exceeded.
func ExtractLogsZip(data []byte, maxChars int) (string, error) {
	return extractZip(data, maxChars, func(name string) bool {
		return strings.HasSuffix(name, ".txt")
	})
}

// ExtractTextZip is ExtractLogsZip for artifact archives, which also carry .log,
// .md and .json reports.
func ExtractTextZip(data []byte, maxChars int) (string, error) {
	return extractZip(data, maxChars, func(name string) bool {
		for _, ext := range []string{".txt", ".log", ".md", ".json"} {
			if strings.HasSuffix(name, ext) {
				return true
			}
		}
		return false
	})
}

func extractZip(data []byte, maxChars int, keep func(string) bool) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxLogChars
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open log archive: %w", err)
	}

	var blocks []string
	total := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !keep(f.Name) {
			continue
		}
		text, err := readMember(f, maxChars)
		if err != nil {
			continue
		}
		block := "### " + f.Name + "\n" + text
		blocks = append(blocks, block)
		total += len(block)
		if total > maxChars {
			break
		}
	}
	out := strings.Join(blocks, "\n\n")
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out, nil
}

func readMember(f *zip.File, limit int) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, int64(limit)+1))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), ""), nil
}
