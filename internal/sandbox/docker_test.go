package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"gotest.tools/v3/assert"

	"kevin/internal/config"
	"kevin/internal/core"
	"kevin/internal/workspace"
)

// testImage is small and ships sh + sleep, which is all these need.
const testImage = "busybox"

func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("docker tests skipped in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client: %v", err)
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("docker daemon unreachable: %v", err)
	}
}

func newDockerForTest(t *testing.T) (*Docker, *workspace.Workspace) {
	t.Helper()
	requireDocker(t)
	ws, err := workspace.New(t.TempDir(), []string{".git"})
	assert.NilError(t, err)
	cfg := config.Default()
	cfg.Sandbox = "docker"
	cfg.Docker.Image = testImage
	cfg.Docker.Memory = "" // keep CI-friendly
	d, err := NewDocker(ws, cfg)
	assert.NilError(t, err)
	return d, ws
}

func TestDockerAcquireExecuteRelease(t *testing.T) {
	d, ws := newDockerForTest(t)
	ctx := context.Background()

	h, err := d.Acquire(ctx)
	assert.NilError(t, err)
	defer d.Release(ctx, h)

	out, err := d.Execute(ctx, h, core.RunCommand{
		Argv: []string{"sh", "-c", "echo from-container; echo oops >&2; exit 0"},
	})
	assert.NilError(t, err)
	assert.Equal(t, out.Status, core.StatusSuccess)
	assert.Equal(t, *out.ExitCode, 0)
	assert.Equal(t, out.Stdout, "from-container\n")
	assert.Equal(t, out.Stderr, "oops\n")

	// Writes land in the bind-mounted workspace on the host.
	out, err = d.Execute(ctx, h, core.RunCommand{
		Argv: []string{"sh", "-c", "echo persisted > made-inside.txt"},
	})
	assert.NilError(t, err)
	assert.Equal(t, out.Status, core.StatusSuccess)

	data, err := ws.ReadFile("made-inside.txt")
	assert.NilError(t, err)
	assert.Equal(t, string(data), "persisted\n")

	assert.NilError(t, d.Release(ctx, h))
	assert.NilError(t, d.Release(ctx, h), "release must be idempotent")

	_, err = d.Execute(ctx, h, core.RunCommand{Argv: []string{"true"}})
	assert.Assert(t, errors.Is(err, core.ErrHandleReleased))
}

func TestDockerExecuteNonZeroExit(t *testing.T) {
	d, _ := newDockerForTest(t)
	ctx := context.Background()

	h, err := d.Acquire(ctx)
	assert.NilError(t, err)
	defer d.Release(ctx, h)

	out, err := d.Execute(ctx, h, core.RunCommand{Argv: []string{"sh", "-c", "exit 7"}})
	assert.NilError(t, err)
	assert.Equal(t, out.Status, core.StatusFailure)
	assert.Equal(t, *out.ExitCode, 7)
}

func TestDockerExecuteTimeoutRecovers(t *testing.T) {
	d, _ := newDockerForTest(t)
	ctx := context.Background()

	h, err := d.Acquire(ctx)
	assert.NilError(t, err)
	defer d.Release(ctx, h)

	start := time.Now()
	out, err := d.Execute(ctx, h, core.RunCommand{
		Argv:           []string{"sh", "-c", "sleep 30"},
		TimeoutSeconds: 1,
	})
	assert.NilError(t, err)
	assert.Equal(t, out.Status, core.StatusTimeout)
	assert.Equal(t, out.ErrorKind, core.KindTimeout)
	assert.Assert(t, time.Since(start) < 15*time.Second)

	// The restarted container keeps serving the same handle.
	out, err = d.Execute(ctx, h, core.RunCommand{Argv: []string{"echo", "alive"}})
	assert.NilError(t, err)
	assert.Equal(t, out.Status, core.StatusSuccess)
	assert.Equal(t, out.Stdout, "alive\n")
}

func TestDockerCwdEscapeRefused(t *testing.T) {
	d, _ := newDockerForTest(t)
	ctx := context.Background()

	h, err := d.Acquire(ctx)
	assert.NilError(t, err)
	defer d.Release(ctx, h)

	_, err = d.Execute(ctx, h, core.RunCommand{
		Argv: []string{"true"},
		Cwd:  "../../etc",
	})
	assert.Assert(t, errors.Is(err, core.ErrPathEscape))
}
