package core

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	ActionRunCommand ActionKind = "run_command"
	ActionApplyPatch ActionKind = "apply_patch"
	ActionReadFile   ActionKind = "read_file"
)

// RunCommand executes argv inside the sandbox, with the working directory
// confined to the workspace root.
type RunCommand struct {
	Argv           []string          `json:"argv"`
	Cwd            string            `json:"cwd,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (c RunCommand) Timeout(fallback time.Duration) time.Duration {
	if c.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ApplyPatch applies a unified diff to the workspace as one atomic unit.
type ApplyPatch struct {
	UnifiedDiff string `json:"unified_diff"`
}

// ReadFile returns the content of one workspace-relative path.
type ReadFile struct {
	Path string `json:"path"`
}

// Action is the tagged variant dispatched by the loop. Exactly one of the
// variant fields is set, matching Kind. Actions are immutable once created.
type Action struct {
	Kind    ActionKind  `json:"kind"`
	Command *RunCommand `json:"command,omitempty"`
	Patch   *ApplyPatch `json:"patch,omitempty"`
	Read    *ReadFile   `json:"read,omitempty"`
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionRunCommand:
		if a.Command == nil || len(a.Command.Argv) == 0 {
			return fmt.Errorf("run_command action requires argv")
		}
	case ActionApplyPatch:
		if a.Patch == nil || strings.TrimSpace(a.Patch.UnifiedDiff) == "" {
			return fmt.Errorf("apply_patch action requires a unified diff")
		}
	case ActionReadFile:
		if a.Read == nil || a.Read.Path == "" {
			return fmt.Errorf("read_file action requires a path")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Summary is a one-line human rendering used in logs and `kevin show`.
func (a Action) Summary() string {
	switch a.Kind {
	case ActionRunCommand:
		if a.Command == nil {
			return "run_command"
		}
		return "run " + strings.Join(a.Command.Argv, " ")
	case ActionApplyPatch:
		if a.Patch == nil {
			return "apply_patch"
		}
		return fmt.Sprintf("apply patch (%d bytes)", len(a.Patch.UnifiedDiff))
	case ActionReadFile:
		if a.Read == nil {
			return "read_file"
		}
		return "read " + a.Read.Path
	default:
		return string(a.Kind)
	}
}
