// Package workspace confines all file access to a single repository
// root and captures content-addressed snapshots of it.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"kevin/internal/core"
)

// Workspace is a view of the repository rooted at Root. Every path
// handed to its methods is relative to the root; anything that would
// land outside is rejected with core.ErrPathEscape.
type Workspace struct {
	root   string
	ignore map[string]struct{}
}

// New opens the repository at root. The ignore list holds directory
// names (matched at any depth) that snapshots and diffs skip.
func New(root string, ignore []string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	skip := make(map[string]struct{}, len(ignore))
	for _, name := range ignore {
		skip[name] = struct{}{}
	}
	return &Workspace{root: abs, ignore: skip}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Ignored reports whether a directory name is excluded from snapshots.
func (w *Workspace) Ignored(name string) bool {
	_, ok := w.ignore[name]
	return ok
}

// Resolve maps a repository-relative path to an absolute one inside
// the root. Absolute inputs and dot-dot traversal return
// core.ErrPathEscape; symlinks inside the tree are resolved as if the
// root were the filesystem root, so they cannot point outside it.
func (w *Workspace) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path: %w", core.ErrPathEscape)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%q is absolute: %w", rel, core.ErrPathEscape)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", rel, core.ErrPathEscape)
	}
	full, err := securejoin.SecureJoin(w.root, clean)
	if err != nil {
		return "", fmt.Errorf("%q: %w", rel, core.ErrPathEscape)
	}
	return full, nil
}

// Rel converts an absolute path under the root back to the relative
// form used in snapshots and the run log.
func (w *Workspace) Rel(full string) (string, error) {
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q outside root: %w", full, core.ErrPathEscape)
	}
	return filepath.ToSlash(rel), nil
}

// ReadFile reads a file inside the workspace.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	full, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Stat stats a path inside the workspace.
func (w *Workspace) Stat(rel string) (fs.FileInfo, error) {
	full, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(full)
}

// WriteFile writes a file inside the workspace, creating parent
// directories as needed.
func (w *Workspace) WriteFile(rel string, data []byte, mode fs.FileMode) error {
	full, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	return os.WriteFile(full, data, mode)
}

// Remove deletes a file inside the workspace and prunes parent
// directories left empty, stopping at the root.
func (w *Workspace) Remove(rel string) error {
	full, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return err
	}
	for dir := filepath.Dir(full); dir != w.root; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break // not empty or already gone
		}
	}
	return nil
}
