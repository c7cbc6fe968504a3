package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"kevin/internal/core"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(t.TempDir(), []string{".git", ".kevin"})
	assert.NilError(t, err)
	return w
}

func seed(t *testing.T, w *Workspace, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		assert.NilError(t, w.WriteFile(rel, []byte(content), 0o644))
	}
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), nil)
	assert.ErrorContains(t, err, "workspace root")
}

func TestResolveRejectsTraversal(t *testing.T) {
	w := newTestWorkspace(t)

	for _, rel := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"src/../../outside.txt",
		"..",
	} {
		_, err := w.Resolve(rel)
		assert.Assert(t, errors.Is(err, core.ErrPathEscape), "path %q", rel)
	}
}

func TestResolveRejectsAbsolute(t *testing.T) {
	w := newTestWorkspace(t)

	_, err := w.Resolve("/etc/passwd")
	assert.Assert(t, errors.Is(err, core.ErrPathEscape))
}

func TestResolveAllowsInteriorDotDot(t *testing.T) {
	w := newTestWorkspace(t)

	// Cleans to "b.txt", which stays inside the root.
	full, err := w.Resolve("a/../b.txt")
	assert.NilError(t, err)
	assert.Equal(t, full, filepath.Join(w.Root(), "b.txt"))
}

func TestWriteReadRemove(t *testing.T) {
	w := newTestWorkspace(t)

	assert.NilError(t, w.WriteFile("src/pkg/main.go", []byte("package main\n"), 0o644))

	data, err := w.ReadFile("src/pkg/main.go")
	assert.NilError(t, err)
	assert.Equal(t, string(data), "package main\n")

	assert.NilError(t, w.Remove("src/pkg/main.go"))

	// Empty parents are pruned back to the root.
	_, err = os.Stat(filepath.Join(w.Root(), "src"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestRemoveKeepsNonEmptyParents(t *testing.T) {
	w := newTestWorkspace(t)
	seed(t, w, map[string]string{
		"src/a.go": "a",
		"src/b.go": "b",
	})

	assert.NilError(t, w.Remove("src/a.go"))

	_, err := os.Stat(filepath.Join(w.Root(), "src", "b.go"))
	assert.NilError(t, err)
}

func TestSnapshotSkipsIgnoredDirs(t *testing.T) {
	w := newTestWorkspace(t)
	seed(t, w, map[string]string{
		"main.go":       "package main\n",
		"src/lib.go":    "package lib\n",
		".git/config":   "[core]\n",
		".kevin/runs/x": "state\n",
		"src/.git/HEAD": "ref\n",
	})

	snap, err := w.Snapshot(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, snap.Paths(), []string{"main.go", "src/lib.go"})
}

func TestSnapshotDigestIsDeterministic(t *testing.T) {
	files := map[string]string{
		"a.txt":     "alpha\n",
		"dir/b.txt": "beta\n",
	}

	w1 := newTestWorkspace(t)
	seed(t, w1, files)
	w2 := newTestWorkspace(t)
	seed(t, w2, files)

	s1, err := w1.Snapshot(context.Background())
	assert.NilError(t, err)
	s2, err := w2.Snapshot(context.Background())
	assert.NilError(t, err)

	assert.Equal(t, s1.Digest(), s2.Digest())
}

func TestSnapshotTracksExecBit(t *testing.T) {
	w := newTestWorkspace(t)
	assert.NilError(t, w.WriteFile("run.sh", []byte("#!/bin/sh\n"), 0o755))
	assert.NilError(t, w.WriteFile("data.txt", []byte("x\n"), 0o644))

	snap, err := w.Snapshot(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, snap.Files["run.sh"].Exec)
	assert.Assert(t, !snap.Files["data.txt"].Exec)
}

func TestDiff(t *testing.T) {
	w := newTestWorkspace(t)
	seed(t, w, map[string]string{
		"keep.txt":   "same\n",
		"change.txt": "old\n",
		"gone.txt":   "bye\n",
	})
	before, err := w.Snapshot(context.Background())
	assert.NilError(t, err)

	seed(t, w, map[string]string{
		"change.txt": "new\n",
		"fresh.txt":  "hi\n",
	})
	assert.NilError(t, w.Remove("gone.txt"))

	after, err := w.Snapshot(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, Diff(before, after), []Change{
		{Path: "change.txt", Kind: Modified},
		{Path: "fresh.txt", Kind: Added},
		{Path: "gone.txt", Kind: Deleted},
	})
	assert.DeepEqual(t, ChangedPaths(Diff(before, after)),
		[]string{"change.txt", "fresh.txt", "gone.txt"})
}

func TestDiffModeOnlyChange(t *testing.T) {
	w := newTestWorkspace(t)
	assert.NilError(t, w.WriteFile("tool", []byte("#!/bin/sh\n"), 0o644))
	before, err := w.Snapshot(context.Background())
	assert.NilError(t, err)

	assert.NilError(t, os.Chmod(filepath.Join(w.Root(), "tool"), 0o755))
	after, err := w.Snapshot(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, Diff(before, after), []Change{{Path: "tool", Kind: Modified}})
}

func TestCaptureAndRestore(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t)
	seed(t, w, map[string]string{
		"main.go":    "package main\n",
		"src/lib.go": "package lib\n",
	})
	assert.NilError(t, os.Chmod(filepath.Join(w.Root(), "main.go"), 0o755))

	initial, err := w.Snapshot(ctx)
	assert.NilError(t, err)

	store := NewBlobStore(filepath.Join(t.TempDir(), "objects"))
	assert.NilError(t, w.Capture(ctx, initial, store))

	// Mutate the tree in every way a run could.
	seed(t, w, map[string]string{
		"main.go":   "package main // edited\n",
		"extra.txt": "new file\n",
	})
	assert.NilError(t, w.Remove("src/lib.go"))

	assert.NilError(t, w.Restore(ctx, initial, store))

	restored, err := w.Snapshot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, restored.Digest(), initial.Digest())

	data, err := w.ReadFile("main.go")
	assert.NilError(t, err)
	assert.Equal(t, string(data), "package main\n")
}

func TestRestoreFailsOnMissingBlob(t *testing.T) {
	ctx := context.Background()
	w := newTestWorkspace(t)
	seed(t, w, map[string]string{"a.txt": "content\n"})

	snap, err := w.Snapshot(ctx)
	assert.NilError(t, err)

	// Empty store: the blob for a.txt was never captured.
	store := NewBlobStore(filepath.Join(t.TempDir(), "objects"))
	assert.NilError(t, w.Remove("a.txt"))

	err = w.Restore(ctx, snap, store)
	assert.ErrorContains(t, err, "restore a.txt")
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	seed(t, w, map[string]string{"a.txt": "alpha\n"})

	snap, err := w.Snapshot(context.Background())
	assert.NilError(t, err)

	path := filepath.Join(t.TempDir(), "snapshot.json")
	assert.NilError(t, WriteSnapshot(path, snap))

	loaded, err := ReadSnapshot(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, loaded, snap)
	assert.Equal(t, loaded.Digest(), snap.Digest())
}
