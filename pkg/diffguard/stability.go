package diffguard

import (
	"regexp"
	"strings"
)

// Exister answers whether a repository-relative path exists.
type Exister interface {
	Exists(rel string) bool
}

const identRe = `([A-Za-z_][A-Za-z0-9_]*)`

var (
	secretRefRe = regexp.MustCompile(`\$\{\{\s*secrets\.` + identRe + `\s*\}\}`)
	plainRefRes = []*regexp.Regexp{
		regexp.MustCompile(`\$\{\{\s*(?:vars|env)\.` + identRe + `\s*\}\}`),
		regexp.MustCompile(`\$\{` + identRe + `\}`),
		regexp.MustCompile(`\$` + identRe),
	}
)

// installRule maps a dependency install command to the manifest file it reads.
type installRule struct {
	re *regexp.Regexp
	// file is the fixed manifest; empty means capture group 1 names it.
	file string
}

var installRules = []installRule{
	{re: regexp.MustCompile(`\bpip3?\s+install\b.*?(?:-r|--requirement)[\s=]+["']?([^\s"']+)`)},
	{re: regexp.MustCompile(`\bpython3?\s+-m\s+pip\s+install\b.*?(?:-r|--requirement)[\s=]+["']?([^\s"']+)`)},
	{re: regexp.MustCompile(`\bnpm\s+ci\b`), file: "package-lock.json"},
	{re: regexp.MustCompile(`\bnpm\s+(?:install|i)\s*$`), file: "package.json"},
	{re: regexp.MustCompile(`\byarn(?:\s+install)?\s*(?:--frozen-lockfile)?\s*$`), file: "yarn.lock"},
	{re: regexp.MustCompile(`\bpoetry\s+install\b`), file: "pyproject.toml"},
	{re: regexp.MustCompile(`\bbundle\s+install\b`), file: "Gemfile"},
	{re: regexp.MustCompile(`\bgo\s+mod\s+download\b`), file: "go.mod"},
}

// CheckStability rejects two kinds of risky edits:
//
//   - a hunk that swaps ${{ secrets.X }} for a plain variable reference to X (or
//     back) when X does not appear in the failure evidence
//   - an added install step whose manifest file neither exists under root nor is
//     created by the same diff
func CheckStability(d *Diff, evidence string, root Exister) error {
	created := d.Created()
	for _, f := range d.Files {
		for _, hunk := range f.Hunks {
			if err := checkSecretSwap(f.Path(), hunk, evidence); err != nil {
				return err
			}
			if err := checkInstallSteps(f.Path(), hunk, created, root); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkSecretSwap(p string, hunk []string, evidence string) error {
	var removed, added []string
	for _, line := range hunk {
		switch {
		case strings.HasPrefix(line, "-"):
			removed = append(removed, line[1:])
		case strings.HasPrefix(line, "+"):
			added = append(added, line[1:])
		}
	}
	if len(removed) == 0 || len(added) == 0 {
		return nil
	}

	for _, r := range removed {
		rSecrets, rPlain := refNames(r)
		for _, a := range added {
			aSecrets, aPlain := refNames(a)
			if name, ok := intersect(rSecrets, aPlain); ok && !strings.Contains(evidence, name) {
				return &StabilityError{Path: p, Reason: "secret reference " + name + " replaced by a plain variable", Line: strings.TrimSpace(a)}
			}
			if name, ok := intersect(rPlain, aSecrets); ok && !strings.Contains(evidence, name) {
				return &StabilityError{Path: p, Reason: "plain variable " + name + " replaced by a secret reference", Line: strings.TrimSpace(a)}
			}
		}
	}
	return nil
}

// refNames returns the names referenced as secrets and as plain variables.
func refNames(line string) (secrets, plain map[string]bool) {
	secrets = make(map[string]bool)
	plain = make(map[string]bool)
	for _, m := range secretRefRe.FindAllStringSubmatch(line, -1) {
		secrets[m[1]] = true
	}
	stripped := secretRefRe.ReplaceAllString(line, "")
	for _, re := range plainRefRes {
		for _, m := range re.FindAllStringSubmatch(stripped, -1) {
			plain[m[1]] = true
		}
		stripped = re.ReplaceAllString(stripped, "")
	}
	return secrets, plain
}

func intersect(a, b map[string]bool) (string, bool) {
	for k := range a {
		if b[k] {
			return k, true
		}
	}
	return "", false
}

func checkInstallSteps(p string, hunk []string, created map[string]bool, root Exister) error {
	for _, line := range hunk {
		if !strings.HasPrefix(line, "+") {
			continue
		}
		body := strings.TrimSpace(line[1:])
		body = strings.TrimSpace(strings.TrimPrefix(body, "run:"))
		for _, rule := range installRules {
			m := rule.re.FindStringSubmatch(body)
			if m == nil {
				continue
			}
			file := rule.file
			if file == "" {
				file = m[1]
			}
			file = NormalizePath(file)
			if created[file] || (root != nil && root.Exists(file)) {
				continue
			}
			return &StabilityError{Path: p, Reason: "install step references missing " + file, Line: body}
		}
	}
	return nil
}
