package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestForSpecClassification(t *testing.T) {
	cases := []struct {
		spec  string
		clone bool
	}{
		{"https://github.com/acme/widgets.git", true},
		{"http://git.internal/tools", true},
		{"git@github.com:acme/widgets.git", true},
		{"ssh://git@host/repo.git", true},
		{"/home/dev/widgets", false},
		{"./widgets", false},
		{"widgets", false},
	}
	for _, tc := range cases {
		_, isClone := ForSpec(tc.spec, t.TempDir()).(*Clone)
		assert.Equal(t, isClone, tc.clone, "spec %q", tc.spec)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/widgets.git": "widgets",
		"git@github.com:acme/widgets.git":     "widgets",
		"https://host/group/sub/tool":         "tool",
		"https://host/weird%20name.git":       "weird-20name",
		"https://host/":                       "host",
	}
	for url, want := range cases {
		assert.Equal(t, slug(url), want, "url %q", url)
	}
}

func TestInPlacePrepare(t *testing.T) {
	dir := t.TempDir()
	co, err := (&InPlace{Path: dir}).Prepare(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, co.Path, dir)
	assert.Assert(t, !co.Cloned)
}

func TestInPlacePrepareMissing(t *testing.T) {
	_, err := (&InPlace{Path: filepath.Join(t.TempDir(), "nope")}).Prepare(context.Background())
	assert.ErrorContains(t, err, "repo path")
}

func TestInPlacePrepareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	assert.NilError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := (&InPlace{Path: path}).Prepare(context.Background())
	assert.ErrorContains(t, err, "not a directory")
}

func TestClonePrepareLocal(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()

	src := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", src}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t",
		)
		out, err := cmd.CombinedOutput()
		assert.NilError(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	assert.NilError(t, os.WriteFile(filepath.Join(src, "README"), []byte("hi\n"), 0o644))
	run("add", "README")
	run("commit", "-q", "-m", "init")

	base := t.TempDir()
	s := &Clone{URL: src, BaseDir: base}
	co, err := s.Prepare(ctx)
	assert.NilError(t, err)
	assert.Assert(t, co.Cloned)
	_, err = os.Stat(filepath.Join(co.Path, "README"))
	assert.NilError(t, err)

	// A second prepare reuses the existing checkout.
	again, err := s.Prepare(ctx)
	assert.NilError(t, err)
	assert.Equal(t, again.Path, co.Path)

	assert.NilError(t, s.Finalize(ctx, co))
	_, err = os.Stat(co.Path)
	assert.NilError(t, err)
}

func TestClonePrepareBadURL(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	s := &Clone{URL: filepath.Join(t.TempDir(), "missing"), BaseDir: t.TempDir()}
	_, err := s.Prepare(context.Background())
	assert.ErrorContains(t, err, "git clone")
}

func touch(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(root, name)
		assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		assert.NilError(t, os.WriteFile(path, nil, 0o644))
	}
}

func TestDetectUv(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "uv.lock", "pyproject.toml", "tests/test_app.py")
	p := Detect(root)
	assert.Equal(t, p.Kind, "python")
	assert.DeepEqual(t, p.TestCommand, []string{"uv", "run", "pytest", "-q"})
	assert.Assert(t, p.HasTests)
}

func TestDetectPoetry(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "poetry.lock", "pyproject.toml")
	p := Detect(root)
	assert.DeepEqual(t, p.TestCommand, []string{"poetry", "run", "pytest", "-q"})
}

func TestDetectPlainPython(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "pyproject.toml")
	p := Detect(root)
	assert.DeepEqual(t, p.TestCommand, []string{"pytest", "-q"})
}

func TestDetectGo(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "go.mod")
	p := Detect(root)
	assert.Equal(t, p.Kind, "go")
	assert.DeepEqual(t, p.TestCommand, []string{"go", "test", "./..."})
}

func TestDetectNode(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(root, "package.json"),
		[]byte(`{"name":"x","scripts":{"test":"jest"}}`), 0o644))
	p := Detect(root)
	assert.Equal(t, p.Kind, "node")
	assert.DeepEqual(t, p.TestCommand, []string{"npm", "test", "--silent"})
}

func TestDetectNodeNoTestScript(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(root, "package.json"),
		[]byte(`{"name":"x"}`), 0o644))
	p := Detect(root)
	assert.Equal(t, p.Kind, "node")
	assert.Assert(t, p.TestCommand == nil)
}

func TestDetectMake(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(root, "Makefile"),
		[]byte("build:\n\tgo build\n\ntest:\n\tgo test ./...\n"), 0o644))
	p := Detect(root)
	assert.DeepEqual(t, p.TestCommand, []string{"make", "test"})
}

func TestDetectBareTestsDir(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "tests/test_x.py")
	p := Detect(root)
	assert.Equal(t, p.Kind, "python")
	assert.DeepEqual(t, p.TestCommand, []string{"pytest", "-q"})
}

func TestDetectUnknown(t *testing.T) {
	p := Detect(t.TempDir())
	assert.Equal(t, p.Kind, "unknown")
	assert.Assert(t, p.TestCommand == nil)
	assert.Assert(t, !p.HasTests)
}
