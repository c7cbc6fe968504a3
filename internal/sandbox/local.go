package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"kevin/internal/config"
	"kevin/internal/core"
	"kevin/internal/workspace"
)

// Local executes commands directly on the host. Isolation is
// best-effort: a private process group per command (killed as a whole
// on timeout), a sanitized environment, a working directory confined
// to the workspace, and optional CPU rlimits.
type Local struct {
	hostWorkspace
	cpuSeconds     int
	maxOutput      int64
	defaultTimeout time.Duration
}

func NewLocal(ws *workspace.Workspace, cfg config.Config) (*Local, error) {
	maxOut, err := cfg.MaxOutputBytes()
	if err != nil {
		return nil, err
	}
	return &Local{
		hostWorkspace:  hostWorkspace{name: "local", ws: ws},
		cpuSeconds:     cfg.Local.CPUSeconds,
		maxOutput:      maxOut,
		defaultTimeout: cfg.CommandTimeout(),
	}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) Acquire(ctx context.Context) (*Handle, error) {
	if _, err := os.Stat(l.ws.Root()); err != nil {
		return nil, fmt.Errorf("workspace root: %v: %w", err, core.ErrSandboxUnavailable)
	}
	h := newHandle("local")
	logrus.Debugf("local sandbox: acquired %s for %s", h.ID, l.ws.Root())
	return h, nil
}

func (l *Local) Release(ctx context.Context, h *Handle) error {
	if h.release() {
		logrus.Debugf("local sandbox: released %s", h.ID)
	}
	return nil
}

func (l *Local) Execute(ctx context.Context, h *Handle, rc core.RunCommand) (core.Outcome, error) {
	if err := h.guard("local"); err != nil {
		return core.Outcome{}, err
	}
	if err := h.beginExec(); err != nil {
		return core.Outcome{}, err
	}
	defer h.endExec()

	if len(rc.Argv) == 0 {
		return core.Outcome{}, fmt.Errorf("command args required")
	}
	cwd := l.ws.Root()
	if rc.Cwd != "" {
		full, err := l.ws.Resolve(rc.Cwd)
		if err != nil {
			return core.Outcome{}, err
		}
		cwd = full
	}

	timeout := rc.Timeout(l.defaultTimeout)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, rc.Argv[0], rc.Argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = sanitizedEnv(rc.Env)
	stdout := newCapBuffer(l.maxOutput)
	stderr := newCapBuffer(l.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		// Could not even start (missing binary, bad cwd): a failed
		// command, not a sandbox fault.
		return core.Outcome{
			Status:     core.StatusFailure,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}
	applyCPULimit(cmd, l.cpuSeconds)
	err := cmd.Wait()
	finished := time.Now()

	out := core.Outcome{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.truncated || stderr.truncated,
		DurationMs: finished.Sub(start).Milliseconds(),
	}
	code := exitCode(err)
	out.ExitCode = &code
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		out.Status = core.StatusTimeout
		out.ErrorKind = core.KindTimeout
		out.Error = fmt.Sprintf("command timed out after %s", timeout)
	case err == nil:
		out.Status = core.StatusSuccess
	default:
		out.Status = core.StatusFailure
		out.Error = err.Error()
	}
	return out, nil
}
