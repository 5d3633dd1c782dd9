package manifest

import (
	"encoding/json"
	"strings"
)

type jsonFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type jsonManifest struct {
	SchemaVersion     *string    `json:"schema_version"`
	WorkItemID        string     `json:"work_item_id"`
	ProducerRole      string     `json:"producer_role"`
	ArtifactType      string     `json:"artifact_type"`
	Files             []jsonFile `json:"files"`
	Delete            []string   `json:"delete"`
	EntryPoint        string     `json:"entry_point"`
	BuildCommand      string     `json:"build_command"`
	TestCommand       string     `json:"test_command"`
	VerificationSteps []string   `json:"verification_steps"`
	Notes             string     `json:"notes"`
}

func jsonFail(msg string) error {
	return &FormatError{Grammar: "json", Msg: msg}
}

// ParseJSON parses the JSON syntax. If the whole text is not a JSON object, the
// span from the first '{' to the last '}' is tried.
func ParseJSON(text string) (*Manifest, error) {
	var raw jsonManifest
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end <= start {
			return nil, &FormatError{Grammar: "json", Msg: "invalid JSON: " + err.Error()}
		}
		raw = jsonManifest{}
		if err2 := json.Unmarshal([]byte(text[start:end+1]), &raw); err2 != nil {
			return nil, &FormatError{Grammar: "json", Msg: "invalid JSON: " + err2.Error()}
		}
	}

	schema := SchemaVersion
	if raw.SchemaVersion != nil {
		schema = *raw.SchemaVersion
	}
	if schema != SchemaVersion {
		return nil, jsonFail("unsupported schema_version " + schema)
	}
	if raw.WorkItemID == "" {
		return nil, jsonFail("missing work_item_id")
	}
	if raw.ProducerRole == "" {
		return nil, jsonFail("missing producer_role")
	}
	if len(raw.Files) == 0 {
		return nil, jsonFail("files must be non-empty")
	}
	if raw.Notes != "" {
		return nil, jsonFail("notes must be empty")
	}

	artifactType := raw.ArtifactType
	if artifactType == "" {
		artifactType = ArtifactRepoPatch
	}
	m := &Manifest{
		SchemaVersion:     schema,
		WorkItemID:        raw.WorkItemID,
		ProducerRole:      raw.ProducerRole,
		ArtifactType:      artifactType,
		Files:             make([]FileEntry, 0, len(raw.Files)),
		Delete:            nonNil(raw.Delete),
		EntryPoint:        raw.EntryPoint,
		BuildCommand:      raw.BuildCommand,
		TestCommand:       raw.TestCommand,
		VerificationSteps: nonNil(raw.VerificationSteps),
	}
	for _, f := range raw.Files {
		if strings.TrimSpace(f.Path) == "" {
			return nil, jsonFail("file with empty path")
		}
		m.Files = append(m.Files, newTextEntry(f.Path, f.Content))
	}
	return m, nil
}

// EncodeJSON renders m in the JSON syntax.
func EncodeJSON(m *Manifest) ([]byte, error) {
	out := jsonManifest{
		SchemaVersion:     &m.SchemaVersion,
		WorkItemID:        m.WorkItemID,
		ProducerRole:      m.ProducerRole,
		ArtifactType:      m.ArtifactType,
		Files:             make([]jsonFile, 0, len(m.Files)),
		Delete:            nonNil(m.Delete),
		EntryPoint:        m.EntryPoint,
		BuildCommand:      m.BuildCommand,
		TestCommand:       m.TestCommand,
		VerificationSteps: nonNil(m.VerificationSteps),
	}
	if m.SchemaVersion == "" {
		v := SchemaVersion
		out.SchemaVersion = &v
	}
	for i := range m.Files {
		if m.Files[i].Encoding == EncodingBinary {
			return nil, &FormatError{Grammar: "json", Msg: "binary entries cannot be encoded", Path: m.Files[i].Path}
		}
		out.Files = append(out.Files, jsonFile{Path: m.Files[i].Path, Content: m.Files[i].Content})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, &FormatError{Grammar: "json", Msg: err.Error()}
	}
	return data, nil
}
