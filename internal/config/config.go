// Package config loads the kevin configuration file and supplies
// defaults for everything the file leaves unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/goccy/go-yaml"
)

// Config controls the agent loop, the sandboxes and the planner.
// Zero values are filled in by Default; Load layers a YAML file on top.
type Config struct {
	// MaxSteps bounds the number of planner decisions per run.
	MaxSteps int `yaml:"max_steps"`

	// RetryBudget is the number of consecutive recoverable failures
	// (patch conflicts, timeouts) tolerated before the run stops.
	RetryBudget int `yaml:"retry_budget"`

	// CommandTimeoutSeconds applies to actions that do not carry
	// their own timeout.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	// MaxOutput caps captured stdout/stderr per command, as a human
	// size ("256KiB", "1MB"). Output beyond the cap is truncated and
	// the outcome is marked accordingly.
	MaxOutput string `yaml:"max_output"`

	// Sandbox selects the execution backend: "local" or "docker".
	Sandbox string `yaml:"sandbox"`

	// StateDir is where run logs, snapshots and the run index live.
	// Relative paths are resolved against the repository root.
	StateDir string `yaml:"state_dir"`

	// Ignore lists directory names excluded from snapshots and diffs.
	Ignore []string `yaml:"ignore"`

	// RedactEnv lists environment variable names whose values must
	// never appear in the run log.
	RedactEnv []string `yaml:"redact_env"`

	Planner PlannerConfig `yaml:"planner"`
	Docker  DockerConfig  `yaml:"docker"`
	Local   LocalConfig   `yaml:"local"`
	Patch   PatchConfig   `yaml:"patch"`
}

// PlannerConfig selects and parameterizes the decision source.
type PlannerConfig struct {
	// Kind is "claude", "command" or "script".
	Kind string `yaml:"kind"`

	// Model names the Anthropic model used by the claude planner.
	Model string `yaml:"model"`

	// APIKeyFile points at a file holding the API key. The
	// ANTHROPIC_API_KEY environment variable takes precedence.
	APIKeyFile string `yaml:"api_key_file"`

	// Command is the argv of an external planner spoken to over
	// stdin/stdout, one JSON object per line.
	Command []string `yaml:"command"`

	// Script is a YAML file of canned decisions, played in order.
	Script string `yaml:"script"`

	// MaxTokens bounds the model response size.
	MaxTokens int `yaml:"max_tokens"`
}

// DockerConfig parameterizes the container sandbox.
type DockerConfig struct {
	// Image is the container image run for the workspace. Pin a
	// tag; "latest" drifts under replay.
	Image string `yaml:"image"`

	// Network is the docker network mode ("none" by default).
	Network string `yaml:"network"`

	// Workdir is where the repository is mounted inside the
	// container.
	Workdir string `yaml:"workdir"`

	// Memory limits the container, as a human size ("2GiB").
	Memory string `yaml:"memory"`
}

// LocalConfig parameterizes the in-process sandbox.
type LocalConfig struct {
	// CPUSeconds is a per-command RLIMIT_CPU; 0 leaves it unset.
	CPUSeconds int `yaml:"cpu_seconds"`
}

// PatchConfig tunes hunk matching. The defaults demand exact context.
type PatchConfig struct {
	// MaxOffset allows a hunk to match up to this many lines away
	// from its declared position.
	MaxOffset int `yaml:"max_offset"`

	// Fuzz ignores up to this many context lines at the edges of a
	// hunk when matching.
	Fuzz int `yaml:"fuzz"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		MaxSteps:              20,
		RetryBudget:           3,
		CommandTimeoutSeconds: 120,
		MaxOutput:             "256KiB",
		Sandbox:               "local",
		StateDir:              ".kevin",
		Ignore:                []string{".git", ".kevin", "node_modules", "__pycache__", ".venv"},
		RedactEnv: []string{
			"ANTHROPIC_API_KEY",
			"OPENAI_API_KEY",
			"AWS_SECRET_ACCESS_KEY",
			"GITHUB_TOKEN",
		},
		Planner: PlannerConfig{
			Kind:      "claude",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Docker: DockerConfig{
			Image:   "python:3.12-slim",
			Network: "none",
			Workdir: "/workspace",
			Memory:  "2GiB",
		},
	}
}

// Load reads a YAML config file and layers it over Default. A missing
// file is not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Sandbox {
	case "local", "docker":
	default:
		return fmt.Errorf("unknown sandbox %q", c.Sandbox)
	}
	switch c.Planner.Kind {
	case "claude", "command", "script":
	default:
		return fmt.Errorf("unknown planner %q", c.Planner.Kind)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.Patch.MaxOffset < 0 || c.Patch.Fuzz < 0 {
		return fmt.Errorf("patch offsets must not be negative")
	}
	if _, err := c.MaxOutputBytes(); err != nil {
		return err
	}
	if _, err := c.DockerMemoryBytes(); err != nil {
		return err
	}
	return nil
}

// CommandTimeout is the default deadline for a single action.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// MaxOutputBytes parses the MaxOutput size string.
func (c Config) MaxOutputBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxOutput)
	if err != nil {
		return 0, fmt.Errorf("max_output %q: %w", c.MaxOutput, err)
	}
	return n, nil
}

// DockerMemoryBytes parses the container memory limit.
func (c Config) DockerMemoryBytes() (int64, error) {
	if c.Docker.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Docker.Memory)
	if err != nil {
		return 0, fmt.Errorf("docker memory %q: %w", c.Docker.Memory, err)
	}
	return n, nil
}

// StatePath resolves the state directory against the repository root.
func (c Config) StatePath(repoRoot string) string {
	if filepath.IsAbs(c.StateDir) {
		return c.StateDir
	}
	return filepath.Join(repoRoot, c.StateDir)
}

// APIKey resolves the planner credential: the ANTHROPIC_API_KEY
// environment variable wins, then the configured key file. The value
// is handed to the HTTP client and nowhere else; callers must not log
// it or place it in the run log.
func (c Config) APIKey() (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if c.Planner.APIKeyFile != "" {
		data, err := os.ReadFile(c.Planner.APIKeyFile)
		if err != nil {
			return "", fmt.Errorf("read api key file: %w", err)
		}
		key := strings.TrimSpace(string(data))
		if key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("no API key: set ANTHROPIC_API_KEY or planner.api_key_file")
}
