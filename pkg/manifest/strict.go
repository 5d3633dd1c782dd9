package manifest

import "strings"

// Section markers of the FD_PATCH_V1 grammar.
const (
	markFile   = "FILE:"
	markDelete = "DELETE:"
	markVerify = "VERIFY:"
	markEnd    = "END"
	openBlock  = "<<<"
	closeBlock = ">>>"
)

// strictScan is everything the strict grammar recovered, including a partial
// result when it stopped on an error. Parse uses it to decide whether the relaxed
// grammar may run.
type strictScan struct {
	meta    map[string]string
	files   []FileEntry
	deletes []string
	verify  []string
	err     error
}

func strictFail(lineNo int, msg, line string) error {
	return &FormatError{Grammar: PatchHeader, Msg: msg, Line: lineNo, Excerpt: Excerpt(line)}
}

// scanStrict runs the FD_PATCH_V1 grammar over lines. lines[0] must be the header.
func scanStrict(lines []string) strictScan {
	s := strictScan{meta: make(map[string]string)}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != PatchHeader {
		s.err = &FormatError{Grammar: PatchHeader, Msg: "missing " + PatchHeader + " header"}
		return s
	}

	i := 1
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if isSectionStart(trimmed) {
			break
		}
		if trimmed == "" {
			i++
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			s.err = strictFail(i+1, "invalid metadata line", line)
			return s
		}
		s.meta[strings.TrimSpace(key)] = strings.TrimSpace(value)
		i++
	}

	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case trimmed == "":
			i++
		case strings.HasPrefix(trimmed, markFile):
			next, fe, err := scanFileBlock(lines, i)
			if err != nil {
				s.err = err
				return s
			}
			s.files = append(s.files, fe)
			i = next
		case trimmed == markDelete:
			next, items, err := scanList(lines, i+1, "DELETE")
			if err != nil {
				s.err = err
				return s
			}
			s.deletes = append(s.deletes, items...)
			i = next
		case trimmed == markVerify:
			next, items, err := scanList(lines, i+1, "VERIFY")
			if err != nil {
				s.err = err
				return s
			}
			s.verify = append(s.verify, items...)
			i = next
		case trimmed == markEnd:
			return s
		default:
			s.err = strictFail(i+1, "unexpected line", trimmed)
			return s
		}
	}
	return s
}

func isSectionStart(trimmed string) bool {
	return strings.HasPrefix(trimmed, markFile) ||
		trimmed == markDelete ||
		trimmed == markVerify ||
		trimmed == markEnd
}

// scanFileBlock parses FILE: path / <<< / content / >>> starting at lines[start].
func scanFileBlock(lines []string, start int) (int, FileEntry, error) {
	header := strings.TrimSpace(lines[start])
	p := strings.TrimSpace(strings.TrimPrefix(header, markFile))
	if p == "" {
		return 0, FileEntry{}, strictFail(start+1, "empty FILE path", header)
	}
	if start+1 >= len(lines) || strings.TrimSpace(lines[start+1]) != openBlock {
		return 0, FileEntry{}, &FormatError{Grammar: PatchHeader, Msg: "FILE missing " + openBlock, Path: p, Line: start + 1}
	}

	j := start + 2
	var buf []string
	for j < len(lines) {
		if strings.TrimSpace(lines[j]) == closeBlock {
			break
		}
		buf = append(buf, lines[j])
		j++
	}
	if j >= len(lines) {
		return 0, FileEntry{}, &FormatError{Grammar: PatchHeader, Msg: "FILE missing " + closeBlock, Path: p, Line: start + 1}
	}
	return j + 1, newTextEntry(p, strings.Join(buf, "\n")+"\n"), nil
}

// scanList parses "-item" lines up to END. It returns the index after END.
func scanList(lines []string, start int, section string) (int, []string, error) {
	var items []string
	i := start
	for i < len(lines) {
		l := strings.TrimSpace(lines[i])
		switch {
		case l == "":
		case l == markEnd:
			return i + 1, items, nil
		case strings.HasPrefix(l, "-"):
			items = append(items, strings.TrimSpace(l[1:]))
		default:
			return 0, nil, strictFail(i+1, "invalid "+section+" line", l)
		}
		i++
	}
	return i, items, nil
}

// identity resolves work_item_id and producer_role from metadata, then defaults.
func identity(meta map[string]string, opts Options) (workItem, role string) {
	workItem = meta["work_item_id"]
	if workItem == "" {
		workItem = opts.DefaultWorkItemID
	}
	role = meta["producer_role"]
	if role == "" {
		role = opts.DefaultProducerRole
	}
	return workItem, role
}

// build turns a clean scan into a Manifest, or reports what is missing.
func (s *strictScan) build(opts Options) (*Manifest, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.files) == 0 {
		return nil, &FormatError{Grammar: PatchHeader, Msg: "no FILE blocks found"}
	}
	workItem, role := identity(s.meta, opts)
	if workItem == "" {
		return nil, &FormatError{Grammar: PatchHeader, Msg: "missing work_item_id"}
	}
	if role == "" {
		return nil, &FormatError{Grammar: PatchHeader, Msg: "missing producer_role"}
	}
	return s.manifest(workItem, role), nil
}

func (s *strictScan) manifest(workItem, role string) *Manifest {
	artifactType := s.meta["artifact_type"]
	if artifactType == "" {
		artifactType = ArtifactRepoPatch
	}
	return &Manifest{
		SchemaVersion:     SchemaVersion,
		WorkItemID:        workItem,
		ProducerRole:      role,
		ArtifactType:      artifactType,
		Files:             s.files,
		Delete:            nonNil(s.deletes),
		EntryPoint:        s.meta["entry_point"],
		BuildCommand:      s.meta["build_command"],
		TestCommand:       s.meta["test_command"],
		VerificationSteps: nonNil(s.verify),
	}
}

// needsRelaxed reports whether the relaxed grammar may take over: required
// identity is missing or no FILE block was found. Other malformations are final.
func (s *strictScan) needsRelaxed(opts Options) bool {
	if len(s.files) == 0 {
		return true
	}
	workItem, role := identity(s.meta, opts)
	return workItem == "" || role == ""
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
