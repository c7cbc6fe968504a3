package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Command delegates planning to an external process: the request goes
// to its stdin as one JSON object, the decision comes back on stdout.
// Useful for plugging in other models or hand-driven planning.
type Command struct {
	argv []string
}

func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("planner command not configured")
	}
	return &Command{argv: argv}, nil
}

func (c *Command) Name() string { return "command" }

func (c *Command) Next(ctx context.Context, req Request) (Decision, error) {
	stdin := &bytes.Buffer{}
	if err := json.NewEncoder(stdin).Encode(req); err != nil {
		return Decision{}, err
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Decision{}, modelErr("planner command failed: %v: %s", err, truncate(stderr.String(), 512))
	}

	return decodeDecision(stdout.String())
}
