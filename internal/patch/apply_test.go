package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"kevin/internal/config"
	"kevin/internal/core"
	"kevin/internal/workspace"
)

func newTestEngine(t *testing.T, cfg config.PatchConfig) (*Engine, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), []string{".git"})
	assert.NilError(t, err)
	return NewEngine(ws, cfg), ws
}

func mustWrite(t *testing.T, ws *workspace.Workspace, rel, content string) {
	t.Helper()
	assert.NilError(t, ws.WriteFile(rel, []byte(content), 0o644))
}

func mustRead(t *testing.T, ws *workspace.Workspace, rel string) string {
	t.Helper()
	data, err := ws.ReadFile(rel)
	assert.NilError(t, err)
	return string(data)
}

func treeDigest(t *testing.T, ws *workspace.Workspace) string {
	t.Helper()
	snap, err := ws.Snapshot(context.Background())
	assert.NilError(t, err)
	return snap.Digest().String()
}

func TestApplyInsertAndDeleteAcrossFiles(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "alpha.txt", "one\ntwo\nthree\n")
	mustWrite(t, ws, "beta.txt", "x\ny\nz\n")

	diff := `--- a/alpha.txt
+++ b/alpha.txt
@@ -1,3 +1,6 @@
 one
 two
+two-and-a-bit
+two-and-more
+two-done
 three
--- a/beta.txt
+++ b/beta.txt
@@ -1,3 +1,2 @@
 x
-y
 z
`
	changed, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.DeepEqual(t, changed, []string{"alpha.txt", "beta.txt"})

	assert.Equal(t, mustRead(t, ws, "alpha.txt"),
		"one\ntwo\ntwo-and-a-bit\ntwo-and-more\ntwo-done\nthree\n")
	assert.Equal(t, mustRead(t, ws, "beta.txt"), "x\nz\n")
}

func TestApplyIsAtomicAcrossFiles(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "good.txt", "fine\n")
	mustWrite(t, ws, "bad.txt", "actual content\n")
	before := treeDigest(t, ws)

	// The first file would apply cleanly; the second conflicts.
	diff := `--- a/good.txt
+++ b/good.txt
@@ -1 +1 @@
-fine
+better
--- a/bad.txt
+++ b/bad.txt
@@ -1 +1 @@
-something else entirely
+replacement
`
	_, err := e.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict), "got %v", err)
	assert.Equal(t, treeDigest(t, ws), before, "conflict must leave the tree untouched")
}

func TestApplyRejectsEscapingPath(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	before := treeDigest(t, ws)

	diff := `--- a/../evil.txt
+++ b/../evil.txt
@@ -0,0 +1 @@
+pwned
`
	_, err := e.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPathEscape), "got %v", err)
	assert.Equal(t, treeDigest(t, ws), before)
}

func TestApplyCreatesFileWithParents(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})

	diff := `--- /dev/null
+++ b/docs/notes/TODO.md
@@ -0,0 +1,2 @@
+# Notes
+remember the milk
`
	changed, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.DeepEqual(t, changed, []string{"docs/notes/TODO.md"})
	assert.Equal(t, mustRead(t, ws, "docs/notes/TODO.md"), "# Notes\nremember the milk\n")
}

func TestApplyCreateConflictsWhenTargetExists(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "exists.txt", "here\n")

	diff := `--- /dev/null
+++ b/exists.txt
@@ -0,0 +1 @@
+clobber
`
	_, err := e.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict))
	assert.ErrorContains(t, err, "already exists")
}

func TestApplyDeleteRemovesFileAndEmptyParents(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "tmp/scratch.txt", "a\nb\n")

	diff := `--- a/tmp/scratch.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-a
-b
`
	changed, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.DeepEqual(t, changed, []string{"tmp/scratch.txt"})

	_, err = os.Stat(filepath.Join(ws.Root(), "tmp"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestApplyDeleteMustCoverWholeFile(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "keep.txt", "a\nb\nc\n")

	diff := `--- a/keep.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-a
-b
`
	_, err := e.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict))
	assert.ErrorContains(t, err, "does not cover whole file")
	assert.Equal(t, mustRead(t, ws, "keep.txt"), "a\nb\nc\n")
}

func TestApplyMissingFileConflicts(t *testing.T) {
	e, _ := newTestEngine(t, config.PatchConfig{})

	diff := `--- a/ghost.txt
+++ b/ghost.txt
@@ -1 +1 @@
-boo
+boo!
`
	_, err := e.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict))
	assert.ErrorContains(t, err, "does not exist")
}

func TestApplyContextMismatchConflicts(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "drifted.txt", "the file\nhas moved on\n")

	diff := `--- a/drifted.txt
+++ b/drifted.txt
@@ -1,2 +1,2 @@
 the file
-as the model remembers it
+as the model wants it
`
	_, err := e.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict))
	assert.ErrorContains(t, err, "hunk 1")
	assert.Equal(t, mustRead(t, ws, "drifted.txt"), "the file\nhas moved on\n")
}

func TestApplyMultipleHunksShiftPositions(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "list.txt", "l1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\n")

	// The first hunk grows the file by two lines; the second hunk's
	// positions are stated against the original file.
	diff := `--- a/list.txt
+++ b/list.txt
@@ -1,2 +1,4 @@
 l1
+l1a
+l1b
 l2
@@ -6,3 +8,3 @@
 l6
-l7
+L7
 l8
`
	_, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.Equal(t, mustRead(t, ws, "list.txt"),
		"l1\nl1a\nl1b\nl2\nl3\nl4\nl5\nl6\nL7\nl8\n")
}

func TestApplyOffsetTolerance(t *testing.T) {
	content := "pad1\npad2\nanchor\n-target\nafter\n"
	diff := `--- a/shifted.txt
+++ b/shifted.txt
@@ -1,3 +1,3 @@
 anchor
--target
+fixed
 after
`

	// Exact matching refuses the drifted position.
	exact, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "shifted.txt", content)
	_, err := exact.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict))

	// With an offset allowance the hunk is found two lines below.
	loose, ws2 := newTestEngine(t, config.PatchConfig{MaxOffset: 5})
	mustWrite(t, ws2, "shifted.txt", content)
	_, err = loose.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.Equal(t, mustRead(t, ws2, "shifted.txt"), "pad1\npad2\nanchor\nfixed\nafter\n")
}

func TestApplyFuzzTolerance(t *testing.T) {
	content := "intro CHANGED\nbody\noutro\n"
	diff := `--- a/fuzzy.txt
+++ b/fuzzy.txt
@@ -1,3 +1,3 @@
 intro
-body
+BODY
 outro
`

	exact, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "fuzzy.txt", content)
	_, err := exact.Apply(context.Background(), diff)
	assert.Assert(t, errors.Is(err, core.ErrPatchConflict))

	fuzzy, ws2 := newTestEngine(t, config.PatchConfig{Fuzz: 1})
	mustWrite(t, ws2, "fuzzy.txt", content)
	_, err = fuzzy.Apply(context.Background(), diff)
	assert.NilError(t, err)
	// The mismatching context line survives; only the body changes.
	assert.Equal(t, mustRead(t, ws2, "fuzzy.txt"), "intro CHANGED\nBODY\noutro\n")
}

func TestApplyNoNewlineAtEOF(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "VERSION", "1.0.0")

	diff := "--- a/VERSION\n+++ b/VERSION\n@@ -1 +1 @@\n-1.0.0\n\\ No newline at end of file\n+1.0.1\n\\ No newline at end of file\n"
	_, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.Equal(t, mustRead(t, ws, "VERSION"), "1.0.1")
}

func TestApplyAddsTrailingNewline(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "VERSION", "1.0.0")

	diff := "--- a/VERSION\n+++ b/VERSION\n@@ -1 +1 @@\n-1.0.0\n\\ No newline at end of file\n+1.0.1\n"
	_, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.Equal(t, mustRead(t, ws, "VERSION"), "1.0.1\n")
}

func TestApplySameFileTwiceInOneDiff(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "twice.txt", "a\nb\n")

	diff := `--- a/twice.txt
+++ b/twice.txt
@@ -1,2 +1,2 @@
-a
+A
 b
--- a/twice.txt
+++ b/twice.txt
@@ -1,2 +1,2 @@
 A
-b
+B
`
	changed, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)
	assert.DeepEqual(t, changed, []string{"twice.txt"})
	assert.Equal(t, mustRead(t, ws, "twice.txt"), "A\nB\n")
}

func TestCheckValidatesWithoutWriting(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "ro.txt", "before\n")
	before := treeDigest(t, ws)

	diff := `--- a/ro.txt
+++ b/ro.txt
@@ -1 +1 @@
-before
+after
`
	changed, err := e.Check(context.Background(), diff)
	assert.NilError(t, err)
	assert.DeepEqual(t, changed, []string{"ro.txt"})
	assert.Equal(t, treeDigest(t, ws), before)
	assert.Equal(t, mustRead(t, ws, "ro.txt"), "before\n")
}

func TestApplyPreservesExecBit(t *testing.T) {
	e, ws := newTestEngine(t, config.PatchConfig{})
	mustWrite(t, ws, "tool.sh", "#!/bin/sh\necho hi\n")
	assert.NilError(t, os.Chmod(filepath.Join(ws.Root(), "tool.sh"), 0o755))

	diff := `--- a/tool.sh
+++ b/tool.sh
@@ -1,2 +1,2 @@
 #!/bin/sh
-echo hi
+echo hello
`
	_, err := e.Apply(context.Background(), diff)
	assert.NilError(t, err)

	info, err := ws.Stat("tool.sh")
	assert.NilError(t, err)
	assert.Assert(t, info.Mode()&0o111 != 0, "exec bit lost")
}

func TestApplyMalformedDiff(t *testing.T) {
	e, _ := newTestEngine(t, config.PatchConfig{})

	_, err := e.Apply(context.Background(), "this is not a diff")
	assert.Assert(t, errors.Is(err, core.ErrPatchMalformed))
}
