// Package sandbox runs model-proposed commands in an isolation
// boundary. Two variants exist: Local executes directly on the host
// with process-group confinement, Docker executes inside an ephemeral
// container with the workspace bind-mounted. Both expose the same
// capability interfaces; the loop does not know which one it holds.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/google/uuid"

	"kevin/internal/core"
	"kevin/internal/workspace"
)

// Executor runs one command at a time against an acquired handle.
type Executor interface {
	Execute(ctx context.Context, h *Handle, cmd core.RunCommand) (core.Outcome, error)
}

// FileAccess reads and writes workspace files through the sandbox
// boundary. Both variants serve these host-side: the container mounts
// the same tree.
type FileAccess interface {
	ReadFile(h *Handle, path string) ([]byte, error)
	WriteFile(h *Handle, path string, data []byte) error
}

// Snapshotter captures and restores workspace state through the
// sandbox boundary, host-side for the same reason.
type Snapshotter interface {
	Snapshot(ctx context.Context, h *Handle) (*workspace.Snapshot, error)
	Restore(ctx context.Context, h *Handle, snap *workspace.Snapshot, blobs *workspace.BlobStore) error
}

// Sandbox is the full surface the loop programs against.
type Sandbox interface {
	Name() string
	Acquire(ctx context.Context) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
	Executor
	FileAccess
	Snapshotter
}

// HandleState is the lifecycle position of a Handle.
type HandleState string

const (
	StateAcquired  HandleState = "acquired"
	StateExecuting HandleState = "executing"
	StateReleased  HandleState = "released"
)

// Handle represents exclusive use of one sandbox instance. Executes
// are strictly sequential; Release is terminal and idempotent.
type Handle struct {
	ID string

	mu          sync.Mutex
	state       HandleState
	owner       string
	containerID string
}

func newHandle(owner string) *Handle {
	return &Handle{
		ID:    uuid.NewString(),
		state: StateAcquired,
		owner: owner,
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// beginExec moves Acquired→Executing. A released handle yields
// core.ErrHandleReleased; overlapping executes are refused.
func (h *Handle) beginExec() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateReleased:
		return fmt.Errorf("handle %s: %w", h.ID, core.ErrHandleReleased)
	case StateExecuting:
		return fmt.Errorf("handle %s: execute already in flight", h.ID)
	}
	h.state = StateExecuting
	return nil
}

func (h *Handle) endExec() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateExecuting {
		h.state = StateAcquired
	}
}

// release marks the handle terminal. It reports whether this call was
// the one that released it, so cleanup runs exactly once.
func (h *Handle) release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateReleased {
		return false
	}
	h.state = StateReleased
	return true
}

func (h *Handle) container() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.containerID
}

func (h *Handle) guard(owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateReleased {
		return fmt.Errorf("handle %s: %w", h.ID, core.ErrHandleReleased)
	}
	if h.owner != owner {
		return fmt.Errorf("handle %s belongs to %s, not %s", h.ID, h.owner, owner)
	}
	return nil
}

// hostWorkspace serves FileAccess and Snapshotter from the host-side
// workspace; both sandbox variants embed it.
type hostWorkspace struct {
	name string
	ws   *workspace.Workspace
}

func (f hostWorkspace) ReadFile(h *Handle, path string) ([]byte, error) {
	if err := h.guard(f.name); err != nil {
		return nil, err
	}
	return f.ws.ReadFile(path)
}

func (f hostWorkspace) WriteFile(h *Handle, path string, data []byte) error {
	if err := h.guard(f.name); err != nil {
		return err
	}
	return f.ws.WriteFile(path, data, 0o644)
}

func (f hostWorkspace) Snapshot(ctx context.Context, h *Handle) (*workspace.Snapshot, error) {
	if err := h.guard(f.name); err != nil {
		return nil, err
	}
	return f.ws.Snapshot(ctx)
}

func (f hostWorkspace) Restore(ctx context.Context, h *Handle, snap *workspace.Snapshot, blobs *workspace.BlobStore) error {
	if err := h.guard(f.name); err != nil {
		return err
	}
	return f.ws.Restore(ctx, snap, blobs)
}

// passEnv is the allow-list of host variables a command inherits. The
// rest of the host environment, credentials included, never crosses
// into the sandbox.
var passEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ"}

// sanitizedEnv builds the command environment: the allow-listed host
// variables plus the action's explicit ones, sorted for determinism.
func sanitizedEnv(extra map[string]string) []string {
	merged := map[string]string{}
	for _, key := range passEnv {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	return envSlice(merged)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(out)
	return out
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
