// Package apply writes and deletes the files a manifest describes, confined to a root
// directory.
package apply

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Root is a directory that every resolved path must stay inside. Its path is
// symlink-resolved once at open time.
type Root struct {
	dir string
}

// OpenRoot resolves dir and returns a handle for guarded access beneath it.
func OpenRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", real, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", real)
	}
	return &Root{dir: real}, nil
}

// Dir returns the symlink-resolved absolute root.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps a manifest-relative path to an absolute path under the root.
//
// The check is lexical first (blank, absolute, or escaping via "..") and then
// physical: the candidate is resolved through symlinks of its nearest existing
// ancestor and must equal the root or sit below it.
func (r *Root) Resolve(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return r.resolveClean(rel, clean)
}

// ResolveEntry is Resolve for operations on the entry itself: the parent
// directory is resolved and guarded, the final component is not followed. A
// symlink named by rel maps to the link, not its target.
func (r *Root) ResolveEntry(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	if clean == "." {
		return r.dir, nil
	}
	parent, err := r.resolveClean(rel, path.Dir(clean))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, path.Base(clean)), nil
}

func (r *Root) resolveClean(rel, clean string) (string, error) {
	candidate := filepath.Join(r.dir, filepath.FromSlash(clean))
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", &PathSecurityError{Path: rel, Reason: err.Error()}
	}
	if !r.contains(resolved) {
		return "", &PathSecurityError{Path: rel, Reason: "resolves outside root"}
	}
	return resolved, nil
}

// cleanRel applies the lexical checks and returns the slash-cleaned path.
func cleanRel(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", &PathSecurityError{Path: rel, Reason: "empty path"}
	}
	p := strings.ReplaceAll(rel, `\`, "/")
	if strings.HasPrefix(p, "/") || filepath.IsAbs(rel) || hasVolume(p) {
		return "", &PathSecurityError{Path: rel, Reason: "absolute path"}
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &PathSecurityError{Path: rel, Reason: "escapes root"}
	}
	return clean, nil
}

func (r *Root) contains(abs string) bool {
	return abs == r.dir || strings.HasPrefix(abs, r.dir+string(filepath.Separator))
}

// Exists reports whether rel names an existing entry under the root. Unsafe paths
// report false.
func (r *Root) Exists(rel string) bool {
	abs, err := r.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// ReadFile reads rel through the guard.
func (r *Root) ReadFile(rel string) ([]byte, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// resolveExisting evaluates symlinks of the longest existing prefix of p and
// re-appends the missing tail. A dangling symlink anywhere on the path is refused
// since writing through it would follow an unverified target.
func resolveExisting(p string) (string, error) {
	var missing []string
	current := p
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		}
		if _, lerr := os.Lstat(current); lerr == nil {
			return "", fmt.Errorf("cannot resolve %s: %w", current, err)
		} else if !errors.Is(lerr, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", current, lerr)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", p)
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

// hasVolume catches Windows drive letters such as "C:/x" after separator normalization.
func hasVolume(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
