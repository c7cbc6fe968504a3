package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kevin/internal/config"
	"kevin/internal/core"
	"kevin/internal/workspace"
)

// managedLabel marks containers owned by kevin so prune can find
// leftovers from crashed runs.
const managedLabel = "kevin.managed"

// Docker executes commands inside an ephemeral container with the
// workspace bind-mounted read-write at the configured workdir. The
// container is created on Acquire, removed on Release, and restarted
// (killing the whole in-container process tree) when a command times
// out.
type Docker struct {
	hostWorkspace
	image          string
	network        string
	workdir        string
	memory         int64
	maxOutput      int64
	defaultTimeout time.Duration

	cli *client.Client
}

func NewDocker(ws *workspace.Workspace, cfg config.Config) (*Docker, error) {
	maxOut, err := cfg.MaxOutputBytes()
	if err != nil {
		return nil, err
	}
	memory, err := cfg.DockerMemoryBytes()
	if err != nil {
		return nil, err
	}
	return &Docker{
		hostWorkspace:  hostWorkspace{name: "docker", ws: ws},
		image:          cfg.Docker.Image,
		network:        cfg.Docker.Network,
		workdir:        cfg.Docker.Workdir,
		memory:         memory,
		maxOutput:      maxOut,
		defaultTimeout: cfg.CommandTimeout(),
	}, nil
}

func (d *Docker) Name() string { return "docker" }

// Acquire connects to the daemon, makes sure the image is present, and
// starts an idle container holding the workspace mount. A daemon that
// cannot be reached is core.ErrSandboxUnavailable.
func (d *Docker) Acquire(ctx context.Context) (*Handle, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %v: %w", err, core.ErrSandboxUnavailable)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon: %v: %w", err, core.ErrSandboxUnavailable)
	}

	if err := d.ensureImage(ctx, cli); err != nil {
		cli.Close()
		return nil, err
	}

	name := "kevin-" + strings.Split(uuid.NewString(), "-")[0]
	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:      d.image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: d.workdir,
			Env:        []string{"LANG=C.UTF-8"},
			Labels:     map[string]string{managedLabel: "true"},
		},
		&container.HostConfig{
			Binds:       []string{d.ws.Root() + ":" + d.workdir},
			NetworkMode: container.NetworkMode(d.network),
			Resources:   container.Resources{Memory: d.memory},
		},
		nil, nil, name)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		cli.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	d.cli = cli
	h := newHandle("docker")
	h.containerID = created.ID
	logrus.Debugf("docker sandbox: %s running %s as %s", h.ID, d.image, name)
	return h, nil
}

// Release force-removes the container and closes the client. Calling
// it again, or for an already-gone container, is a no-op.
func (d *Docker) Release(ctx context.Context, h *Handle) error {
	if !h.release() {
		return nil
	}
	if d.cli == nil {
		return nil
	}
	defer func() {
		d.cli.Close()
		d.cli = nil
	}()
	id := h.container()
	if id == "" {
		return nil
	}
	err := d.cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	logrus.Debugf("docker sandbox: released %s", h.ID)
	return nil
}

func (d *Docker) Execute(ctx context.Context, h *Handle, rc core.RunCommand) (core.Outcome, error) {
	if err := h.guard("docker"); err != nil {
		return core.Outcome{}, err
	}
	if err := h.beginExec(); err != nil {
		return core.Outcome{}, err
	}
	defer h.endExec()

	if len(rc.Argv) == 0 {
		return core.Outcome{}, fmt.Errorf("command args required")
	}
	cwd, err := d.containerCwd(rc.Cwd)
	if err != nil {
		return core.Outcome{}, err
	}

	execID, err := d.cli.ContainerExecCreate(ctx, h.container(), container.ExecOptions{
		Cmd:          rc.Argv,
		WorkingDir:   cwd,
		Env:          envSlice(rc.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return core.Outcome{}, fmt.Errorf("exec create: %w", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return core.Outcome{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	stdout := newCapBuffer(d.maxOutput)
	stderr := newCapBuffer(d.maxOutput)
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()

	timeout := rc.Timeout(d.defaultTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	start := time.Now()
	timedOut := false
	select {
	case <-timer.C:
		timedOut = true
		d.killEverything(ctx, h.container())
		<-copied // the hijacked connection drops once the container stops
	case err := <-copied:
		if err != nil && err != io.EOF {
			logrus.WithError(err).Debug("exec output stream ended early")
		}
	case <-ctx.Done():
		d.killEverything(ctx, h.container())
		<-copied
		return core.Outcome{}, ctx.Err()
	}
	finished := time.Now()

	out := core.Outcome{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.truncated || stderr.truncated,
		DurationMs: finished.Sub(start).Milliseconds(),
	}
	if timedOut {
		out.Status = core.StatusTimeout
		out.ErrorKind = core.KindTimeout
		out.Error = fmt.Sprintf("command timed out after %s", timeout)
		return out, nil
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return core.Outcome{}, fmt.Errorf("exec inspect: %w", err)
	}
	code := inspect.ExitCode
	out.ExitCode = &code
	if code == 0 {
		out.Status = core.StatusSuccess
	} else {
		out.Status = core.StatusFailure
		out.Error = fmt.Sprintf("exit status %d", code)
	}
	return out, nil
}

// containerCwd maps the action's workspace-relative cwd to the
// container path, after host-side escape validation.
func (d *Docker) containerCwd(rel string) (string, error) {
	if rel == "" {
		return d.workdir, nil
	}
	if _, err := d.ws.Resolve(rel); err != nil {
		return "", err
	}
	return path.Join(d.workdir, filepath.ToSlash(filepath.Clean(rel))), nil
}

// killEverything restarts the container with a zero stop timeout: the
// exec'd process tree dies with it and the idle `sleep` comes back up
// ready for the next action.
func (d *Docker) killEverything(ctx context.Context, containerID string) {
	zero := 0
	rctx := context.WithoutCancel(ctx)
	if err := d.cli.ContainerRestart(rctx, containerID, container.StopOptions{Timeout: &zero}); err != nil {
		logrus.WithError(err).Warn("restarting container after timeout")
	}
}

func (d *Docker) ensureImage(ctx context.Context, cli *client.Client) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, d.image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", d.image, err)
	}
	logrus.Infof("pulling image %s", d.image)
	rc, err := cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	return nil
}

// PruneContainers removes leftover kevin-managed containers from runs
// that crashed before Release. Used by `kevin prune`.
func PruneContainers(ctx context.Context) (int, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return 0, fmt.Errorf("docker client: %v: %w", err, core.ErrSandboxUnavailable)
	}
	defer cli.Close()
	if _, err := cli.Ping(ctx); err != nil {
		return 0, fmt.Errorf("docker daemon: %v: %w", err, core.ErrSandboxUnavailable)
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range containers {
		if c.Labels[managedLabel] != "true" {
			continue
		}
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			logrus.WithError(err).Warnf("removing container %s", c.ID[:12])
			continue
		}
		removed++
	}
	return removed, nil
}

// NewFromConfig picks the sandbox variant the config names.
func NewFromConfig(ws *workspace.Workspace, cfg config.Config) (Sandbox, error) {
	switch cfg.Sandbox {
	case "docker":
		return NewDocker(ws, cfg)
	case "local":
		return NewLocal(ws, cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox %q", cfg.Sandbox)
	}
}

var (
	_ Sandbox = (*Local)(nil)
	_ Sandbox = (*Docker)(nil)
)
