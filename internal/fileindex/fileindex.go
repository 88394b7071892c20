// Package fileindex implements the versioned path-to-Entry and
// snapshot-name-to-Snapshot maps, plus selective-restore globbing.
package fileindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ryanuber/go-glob"

	"github.com/SecurityWorks/zerostash/internal/model"
	"github.com/SecurityWorks/zerostash/internal/vmap"
)

// NormalizePath strips a single leading slash and rejects empty path
// components (a double slash, a trailing slash other than the bare root,
// or "." segments). The empty string is reserved for the synthetic root
// and is only ever produced by an explicit ListDir("") call, never by
// normalizing a real entry path.
func NormalizePath(p string) (string, error) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", fmt.Errorf("fileindex: empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			return "", fmt.Errorf("fileindex: malformed path %q: empty component", p)
		}
	}
	return p, nil
}

// FileIndex is the versioned mapping path -> Entry.
type FileIndex struct {
	m *vmap.Map[string, model.Entry]
}

// New returns an empty FileIndex.
func New() *FileIndex {
	return &FileIndex{m: vmap.New[string, model.Entry]()}
}

// Insert records (or replaces) the Entry for path.
func (fi *FileIndex) Insert(path string, e model.Entry) error {
	norm, err := NormalizePath(path)
	if err != nil {
		return err
	}
	fi.m.Insert(norm, e)
	return nil
}

// Get returns the Entry stored for path.
func (fi *FileIndex) Get(path string) (model.Entry, bool) {
	norm, err := NormalizePath(path)
	if err != nil {
		return model.Entry{}, false
	}
	return fi.m.Get(norm)
}

// Remove tombstones path.
func (fi *FileIndex) Remove(path string) error {
	norm, err := NormalizePath(path)
	if err != nil {
		return err
	}
	fi.m.Remove(norm)
	return nil
}

// Glob returns every live path matching the shell-style pattern, sorted,
// enabling selective restore over a subset of the tree.
func (fi *FileIndex) Glob(pattern string) []string {
	var matches []string
	fi.m.Iter(func(path string, _ model.Entry) {
		if glob.Glob(pattern, path) {
			matches = append(matches, path)
		}
	})
	sort.Strings(matches)
	return matches
}

// ListDir returns the immediate children of dir (a normalized path, or
// "" for the root) as seen across all live paths, without persisting a
// separate tree structure.
func (fi *FileIndex) ListDir(dir string) []string {
	prefix := dir
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	fi.m.Iter(func(path string, _ model.Entry) {
		if !strings.HasPrefix(path, prefix) {
			return
		}
		rest := path[len(prefix):]
		if rest == "" {
			return
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	})
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (fi *FileIndex) Len() int                                 { return fi.m.Len() }
func (fi *FileIndex) Freeze()                                  { fi.m.Freeze() }
func (fi *FileIndex) Serialize(write func([]byte) error) error { return fi.m.Serialize(write) }
func (fi *FileIndex) SerializeAll(write func([]byte) error) error {
	return fi.m.SerializeAll(write)
}
func (fi *FileIndex) Deserialize(data []byte) error { return fi.m.Deserialize(data) }

// SnapshotIndex is the versioned mapping snapshot_name -> Snapshot, for
// opaque byte streams (e.g. zfs send output) rather than files.
type SnapshotIndex struct {
	m *vmap.Map[string, model.Snapshot]
}

// NewSnapshotIndex returns an empty SnapshotIndex.
func NewSnapshotIndex() *SnapshotIndex {
	return &SnapshotIndex{m: vmap.New[string, model.Snapshot]()}
}

func (si *SnapshotIndex) Insert(name string, s model.Snapshot) { si.m.Insert(name, s) }
func (si *SnapshotIndex) Get(name string) (model.Snapshot, bool) { return si.m.Get(name) }
func (si *SnapshotIndex) Remove(name string)                   { si.m.Remove(name) }
func (si *SnapshotIndex) Len() int                              { return si.m.Len() }
func (si *SnapshotIndex) Freeze()                               { si.m.Freeze() }
func (si *SnapshotIndex) Serialize(write func([]byte) error) error {
	return si.m.Serialize(write)
}
func (si *SnapshotIndex) SerializeAll(write func([]byte) error) error {
	return si.m.SerializeAll(write)
}
func (si *SnapshotIndex) Deserialize(data []byte) error { return si.m.Deserialize(data) }
