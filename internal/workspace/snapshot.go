package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FileState records one tracked file: its content digest, size, and
// whether it is executable.
type FileState struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
	Exec   bool          `json:"exec,omitempty"`
}

// Snapshot maps repository-relative paths (slash-separated) to file
// states. Snapshots are immutable once taken.
type Snapshot struct {
	Files map[string]FileState `json:"files"`
}

// Paths returns the tracked paths in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Digest reduces the snapshot to a single digest over the sorted
// path/digest/mode triples. Two trees with identical tracked content
// produce identical digests.
func (s *Snapshot) Digest() digest.Digest {
	d := digest.SHA256.Digester()
	for _, p := range s.Paths() {
		st := s.Files[p]
		exec := 0
		if st.Exec {
			exec = 1
		}
		fmt.Fprintf(d.Hash(), "%s %s %d\n", p, st.Digest, exec)
	}
	return d.Digest()
}

// Snapshot walks the tree and hashes every regular file outside the
// ignore set. Hashing runs in a bounded errgroup; the path order in
// the result is deterministic regardless.
func (w *Workspace) Snapshot(ctx context.Context) (*Snapshot, error) {
	var paths []string
	err := filepath.WalkDir(w.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if full != w.root && w.Ignored(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil // sockets, symlinks etc. are not tracked
		}
		rel, err := w.Rel(full)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", w.root, err)
	}
	sort.Strings(paths)

	states := make([]FileState, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range paths {
		i, rel := i, rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			full, err := w.Resolve(rel)
			if err != nil {
				return err
			}
			f, err := os.Open(full)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			dgst, err := digest.FromReader(f)
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			states[i] = FileState{
				Digest: dgst,
				Size:   info.Size(),
				Exec:   info.Mode()&0o111 != 0,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{Files: make(map[string]FileState, len(paths))}
	for i, rel := range paths {
		snap.Files[rel] = states[i]
	}
	logrus.Debugf("snapshot: %d files under %s", len(paths), w.root)
	return snap, nil
}

// ChangeKind classifies one entry of a snapshot diff.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

// Change is one path-level difference between two snapshots.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// Diff compares two snapshots and returns the changes sorted by path.
// A file counts as modified when its digest or exec bit differs.
func Diff(before, after *Snapshot) []Change {
	var changes []Change
	for _, p := range after.Paths() {
		next := after.Files[p]
		prev, ok := before.Files[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: Added})
		case prev.Digest != next.Digest || prev.Exec != next.Exec:
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for _, p := range before.Paths() {
		if _, ok := after.Files[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Deleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// ChangedPaths flattens a diff to its paths, preserving order.
func ChangedPaths(changes []Change) []string {
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	return paths
}

// WriteSnapshot serializes a snapshot to a JSON file.
func WriteSnapshot(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if snap.Files == nil {
		snap.Files = map[string]FileState{}
	}
	return &snap, nil
}
