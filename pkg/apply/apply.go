package apply

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenda-podcast/fd2/pkg/logx"
	"github.com/agenda-podcast/fd2/pkg/manifest"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

type opKind int

const (
	opDelete opKind = iota
	opWrite
)

type op struct {
	kind opKind
	rel  string
	abs  string
	data []byte
}

// Result counts what an Apply call changed.
type Result struct {
	Written []string
	Deleted []string // only paths that existed
}

var logger = logx.NewLogger("apply")

// Apply deletes and writes the manifest's paths under root. Every path, encoding
// and base64 payload is checked before the first mutation, so a rejected manifest
// leaves the tree untouched. Deletes run first, then writes in manifest order.
func Apply(ctx context.Context, m *manifest.Manifest, root *Root) (Result, error) {
	ops, err := plan(m, root)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, o := range ops {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("apply interrupted: %w", err)
		}
		switch o.kind {
		case opDelete:
			removed, err := remove(o.abs)
			if err != nil {
				return res, fmt.Errorf("delete %s: %w", o.rel, err)
			}
			if removed {
				res.Deleted = append(res.Deleted, o.rel)
			}
		case opWrite:
			if err := os.MkdirAll(filepath.Dir(o.abs), dirMode); err != nil {
				return res, fmt.Errorf("create parent of %s: %w", o.rel, err)
			}
			if err := os.WriteFile(o.abs, o.data, fileMode); err != nil {
				return res, fmt.Errorf("write %s: %w", o.rel, err)
			}
			res.Written = append(res.Written, o.rel)
		}
	}
	logger.Debug("applied %s: wrote %d, deleted %d", m.WorkItemID, len(res.Written), len(res.Deleted))
	return res, nil
}

// plan resolves and decodes every operation of m without touching disk.
func plan(m *manifest.Manifest, root *Root) ([]op, error) {
	if m == nil {
		return nil, &manifest.FormatError{Msg: "nil manifest"}
	}
	ops := make([]op, 0, len(m.Delete)+len(m.Files))
	for _, rel := range m.Delete {
		abs, err := root.ResolveEntry(rel)
		if err != nil {
			return nil, err
		}
		if abs == root.Dir() {
			return nil, &PathSecurityError{Path: rel, Reason: "refusing to delete root"}
		}
		ops = append(ops, op{kind: opDelete, rel: rel, abs: abs})
	}
	for i := range m.Files {
		fe := &m.Files[i]
		abs, err := root.Resolve(fe.Path)
		if err != nil {
			return nil, err
		}
		if abs == root.Dir() {
			return nil, &PathSecurityError{Path: fe.Path, Reason: "cannot write to root"}
		}
		data, err := decode(fe)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op{kind: opWrite, rel: fe.Path, abs: abs, data: data})
	}
	return ops, nil
}

func decode(fe *manifest.FileEntry) ([]byte, error) {
	switch fe.Encoding {
	case manifest.EncodingBinary:
		data, err := base64.StdEncoding.DecodeString(fe.Content)
		if err != nil {
			return nil, &EncodingError{Path: fe.Path, Reason: "invalid base64: " + err.Error(), Offset: -1}
		}
		return data, nil
	case manifest.EncodingText, "":
		if off := NonASCIIOffset([]byte(fe.Content)); off >= 0 {
			return nil, &EncodingError{Path: fe.Path, Reason: "non-ASCII byte", Offset: off}
		}
		return []byte(fe.Content), nil
	default:
		return nil, &EncodingError{Path: fe.Path, Reason: "unknown encoding " + string(fe.Encoding), Offset: -1}
	}
}

// NonASCIIOffset returns the offset of the first byte above 0x7F, or -1.
func NonASCIIOffset(b []byte) int {
	for i, c := range b {
		if c > 0x7f {
			return i
		}
	}
	return -1
}

func remove(abs string) (bool, error) {
	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return true, os.RemoveAll(abs)
	}
	return true, os.Remove(abs)
}
