// Package model connects the loop to its decision source. A Client
// sees the run state each step and answers with either the next
// action or "done". Three implementations exist: the Anthropic API,
// an external command spoken to over stdin/stdout, and a scripted
// YAML playback for deterministic runs.
package model

import (
	"context"
	"fmt"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"kevin/internal/config"
	"kevin/internal/core"
)

// Request is the state handed to the planner for one step. Values are
// bounded by the engine before they get here; a planner never sees
// unbounded output.
type Request struct {
	Task        string        `json:"task"`
	Step        int           `json:"step"`
	MaxSteps    int           `json:"max_steps"`
	ProjectKind string        `json:"project_kind,omitempty"`
	Files       []string      `json:"files,omitempty"`
	TestCommand []string      `json:"test_command,omitempty"`
	History     []string      `json:"history,omitempty"`
	LastOutcome *core.Outcome `json:"last_outcome,omitempty"`
	DryRun      bool          `json:"dry_run,omitempty"`
}

// Decision is the planner's answer: finish, or perform one action.
// Command is a convenience for planners that think in shell strings;
// Normalize turns it into a run_command action.
type Decision struct {
	Done    bool         `json:"done,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Action  *core.Action `json:"action,omitempty"`
	Command string       `json:"command,omitempty"`
}

// Normalize validates the decision and expands the Command shorthand
// using shell word splitting. Exactly one of Done/Action must remain.
func (d *Decision) Normalize() error {
	if d.Command != "" && d.Action == nil {
		argv, err := shellwords.Parse(d.Command)
		if err != nil {
			return fmt.Errorf("split command %q: %w", d.Command, err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("command %q splits to nothing", d.Command)
		}
		d.Action = &core.Action{
			Kind:    core.ActionRunCommand,
			Command: &core.RunCommand{Argv: argv},
		}
		d.Command = ""
	}
	if d.Done {
		if d.Action != nil {
			return fmt.Errorf("decision is both done and an action")
		}
		return nil
	}
	if d.Action == nil {
		return fmt.Errorf("decision carries neither done nor an action")
	}
	return d.Action.Validate()
}

// Client produces one decision per call. Implementations wrap their
// transport failures in core.ErrModelError so the loop can stop with
// a model_error reason instead of guessing.
type Client interface {
	Name() string
	Next(ctx context.Context, req Request) (Decision, error)
}

// FromConfig builds the client the config names. The API key is
// resolved here and handed straight to the HTTP client.
func FromConfig(cfg config.Config) (Client, error) {
	switch cfg.Planner.Kind {
	case "claude":
		key, err := cfg.APIKey()
		if err != nil {
			return nil, err
		}
		return NewClaude(key, cfg.Planner.Model, cfg.Planner.MaxTokens)
	case "command":
		return NewCommand(cfg.Planner.Command)
	case "script":
		return NewScript(cfg.Planner.Script)
	default:
		return nil, fmt.Errorf("unknown planner %q", cfg.Planner.Kind)
	}
}

func modelErr(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, core.ErrModelError)
}

// extractJSON pulls the decision object out of a model reply,
// stripping a markdown code fence when present and tolerating prose
// around the object.
func extractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:] // drop the fence language tag
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply")
	}
	return text[start : end+1], nil
}
