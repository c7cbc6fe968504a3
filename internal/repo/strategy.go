// Package repo prepares the target repository for a run and sniffs
// out how its tests are meant to be invoked.
package repo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Checkout is a repository made ready for a run.
type Checkout struct {
	Path   string
	Cloned bool
}

// Strategy turns a repo spec (path or URL) into a working checkout.
type Strategy interface {
	Prepare(ctx context.Context) (Checkout, error)
	Finalize(ctx context.Context, co Checkout) error
}

// ForSpec picks the strategy: git URLs are cloned under baseDir,
// everything else is treated as a local path and used in place.
func ForSpec(spec, baseDir string) Strategy {
	if isGitURL(spec) {
		return &Clone{URL: spec, BaseDir: baseDir}
	}
	return &InPlace{Path: spec}
}

func isGitURL(spec string) bool {
	return strings.HasPrefix(spec, "http://") ||
		strings.HasPrefix(spec, "https://") ||
		strings.HasPrefix(spec, "git@") ||
		strings.HasPrefix(spec, "ssh://")
}

// InPlace runs directly against an existing local repository.
type InPlace struct {
	Path string
}

func (s *InPlace) Prepare(ctx context.Context) (Checkout, error) {
	abs, err := filepath.Abs(s.Path)
	if err != nil {
		return Checkout{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Checkout{}, fmt.Errorf("repo path: %w", err)
	}
	if !info.IsDir() {
		return Checkout{}, fmt.Errorf("repo path %s is not a directory", abs)
	}
	return Checkout{Path: abs}, nil
}

func (s *InPlace) Finalize(ctx context.Context, co Checkout) error {
	return nil
}

// Clone shallow-clones a git URL into BaseDir under a slug of the
// repo name. An existing clone is reused so repeated runs against the
// same URL continue where the last one left the tree.
type Clone struct {
	URL     string
	BaseDir string
}

func (s *Clone) Prepare(ctx context.Context) (Checkout, error) {
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return Checkout{}, err
	}
	dest := filepath.Join(s.BaseDir, slug(s.URL))
	if _, err := os.Stat(dest); err == nil {
		logrus.Infof("reusing clone at %s", dest)
		return Checkout{Path: dest, Cloned: true}, nil
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", s.URL, dest)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Checkout{}, fmt.Errorf("git clone %s: %v: %s", s.URL, err, strings.TrimSpace(string(output)))
	}
	logrus.Infof("cloned %s into %s", s.URL, dest)
	return Checkout{Path: dest, Cloned: true}, nil
}

// Finalize keeps the clone; run state, including the checkout, is
// removed by prune rather than at run end.
func (s *Clone) Finalize(ctx context.Context, co Checkout) error {
	return nil
}

var slugUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// slug derives a directory name from a repo URL: the last path
// segment without .git, unsafe characters collapsed to dashes.
func slug(url string) string {
	name := strings.TrimSuffix(url, "/")
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	name = slugUnsafe.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "repo"
	}
	return name
}
