package manifest

import (
	"strings"
)

// Encode renders m as FD_PATCH_V1. Content loses at most one trailing newline,
// which the parser restores, so Parse(Encode(m)) reproduces paths and content.
func Encode(m *Manifest) (string, error) {
	var b strings.Builder
	b.WriteString(PatchHeader + "\n")
	writeMeta(&b, "work_item_id", m.WorkItemID)
	writeMeta(&b, "producer_role", m.ProducerRole)
	writeMeta(&b, "artifact_type", m.ArtifactType)
	writeMeta(&b, "entry_point", m.EntryPoint)
	writeMeta(&b, "build_command", m.BuildCommand)
	writeMeta(&b, "test_command", m.TestCommand)
	b.WriteString("\n")

	for i := range m.Files {
		if err := writeFile(&b, &m.Files[i]); err != nil {
			return "", err
		}
	}
	if len(m.Delete) > 0 {
		b.WriteString(markDelete + "\n")
		for _, p := range m.Delete {
			b.WriteString("-" + p + "\n")
		}
		b.WriteString(markEnd + "\n")
	}
	if len(m.VerificationSteps) > 0 {
		b.WriteString(markVerify + "\n")
		for _, s := range m.VerificationSteps {
			b.WriteString("-" + s + "\n")
		}
		b.WriteString(markEnd + "\n")
	}
	b.WriteString(markEnd + "\n")
	return b.String(), nil
}

func writeMeta(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(key + ": " + value + "\n")
}

func writeFile(b *strings.Builder, fe *FileEntry) error {
	if fe.Encoding == EncodingBinary {
		return &FormatError{Grammar: PatchHeader, Msg: "binary entries cannot be encoded", Path: fe.Path}
	}
	if strings.TrimSpace(fe.Path) == "" || strings.ContainsAny(fe.Path, "\n\r") {
		return &FormatError{Grammar: PatchHeader, Msg: "path cannot be encoded", Excerpt: Excerpt(fe.Path)}
	}
	content := strings.TrimSuffix(Normalize(fe.Content), "\n")
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == closeBlock {
			return &FormatError{Grammar: PatchHeader, Msg: "content contains block terminator", Path: fe.Path}
		}
	}
	b.WriteString(markFile + " " + fe.Path + "\n")
	b.WriteString(openBlock + "\n")
	if content != "" || fe.Content != "" {
		b.WriteString(content + "\n")
	}
	b.WriteString(closeBlock + "\n")
	return nil
}
