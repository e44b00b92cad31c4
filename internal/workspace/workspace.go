// Package workspace mirrors a sandbox's file listing into a local directory.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSystem provides an abstraction over file system operations for testability
type FileSystem interface {
	ReadFile(filename string) ([]byte, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	IsNotExist(err error) bool
}

// OSFileSystem implements FileSystem using standard os package
type OSFileSystem struct{}

func (OSFileSystem) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }

func (OSFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFileSystem) IsNotExist(err error) bool { return os.IsNotExist(err) }

// Result lists what Apply did, each slice sorted.
type Result struct {
	Added     []string
	Updated   []string
	Unchanged []string
	Rejected  []string // paths that would escape the root
}

func (r Result) Written() int { return len(r.Added) + len(r.Updated) }

// Mirror writes listings under Root.
type Mirror struct {
	Root string
	fs   FileSystem
	log  *slog.Logger
}

func New(root string, fs FileSystem, log *slog.Logger) *Mirror {
	if fs == nil {
		fs = OSFileSystem{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{Root: root, fs: fs, log: log}
}

// Path resolves a listing path under Root. Absolute paths and paths that
// climb out of Root are rejected.
func (m *Mirror) Path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "./")))
	if name == "" || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("unsafe workspace path %q", name)
	}
	return filepath.Join(m.Root, clean), nil
}

// Apply writes every file whose content differs from what is on disk.
func (m *Mirror) Apply(files map[string]string) (Result, error) {
	var res Result
	if err := m.fs.MkdirAll(m.Root, 0755); err != nil {
		return res, fmt.Errorf("create workspace root: %w", err)
	}
	diffs, unchanged, rejected, err := m.Plan(files)
	if err != nil {
		return res, err
	}
	res.Unchanged, res.Rejected = unchanged, rejected
	for _, d := range diffs {
		if err := m.fs.MkdirAll(filepath.Dir(d.Target), 0755); err != nil {
			return res, fmt.Errorf("mkdir for %s: %w", d.Path, err)
		}
		if err := m.fs.WriteFile(d.Target, []byte(files[d.Path]), 0644); err != nil {
			return res, fmt.Errorf("write %s: %w", d.Path, err)
		}
		if d.Op == OpAdd {
			res.Added = append(res.Added, d.Path)
		} else {
			res.Updated = append(res.Updated, d.Path)
		}
	}
	m.log.Info("workspace: mirrored", "root", m.Root, "added", len(res.Added), "updated", len(res.Updated), "unchanged", len(res.Unchanged), "rejected", len(res.Rejected))
	return res, nil
}

// SortedPaths returns the listing's paths in lexical order.
func SortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
