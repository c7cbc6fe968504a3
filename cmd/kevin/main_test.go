package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newApp()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := runCLI(t, "schema")
	assert.NilError(t, err)

	var schema map[string]any
	assert.NilError(t, json.Unmarshal([]byte(out), &schema))
	assert.Assert(t, strings.Contains(out, "seq"))
	assert.Assert(t, strings.Contains(out, "outcome"))
}

func TestListEmptyRepo(t *testing.T) {
	repo := t.TempDir()
	out, err := runCLI(t, "list", "--repo", repo)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "RUN ID"))
}

func TestShowUnknownRun(t *testing.T) {
	repo := t.TempDir()
	_, err := runCLI(t, "show", "run-doesnotexist", "--repo", repo)
	assert.ErrorContains(t, err, "not found")
}

func TestRunRequiresTask(t *testing.T) {
	_, err := runCLI(t, "run")
	assert.Assert(t, err != nil)
}

func TestRunListShowRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sandbox tests are unix-only")
	}
	repo := t.TempDir()
	script := filepath.Join(t.TempDir(), "plan.yaml")
	assert.NilError(t, os.WriteFile(script, []byte(`steps:
  - command: "sh -c 'printf done > result.txt'"
  - done: true
    reason: task finished
`), 0o644))

	out, err := runCLI(t, "run", "--repo", repo, "--script", script, "write", "result")
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "completed"))

	out, err = runCLI(t, "list", "--repo", repo, "--quiet")
	assert.NilError(t, err)
	runID := strings.TrimSpace(out)
	assert.Assert(t, strings.HasPrefix(runID, "run-"), "got %q", runID)

	out, err = runCLI(t, "show", runID, "--repo", repo)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "write result"))
	assert.Assert(t, strings.Contains(out, "$ sh -c"))

	out, err = runCLI(t, "show", runID, "--repo", repo, "--json")
	assert.NilError(t, err)
	var payload struct {
		Run struct {
			Status string `json:"status"`
		} `json:"run"`
		Entries []json.RawMessage `json:"entries"`
	}
	assert.NilError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, payload.Run.Status, "completed")
	assert.Equal(t, len(payload.Entries), 1)

	out, err = runCLI(t, "replay", runID, "--repo", repo)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "replay matches the record"))

	out, err = runCLI(t, "prune", "--repo", repo, "--all")
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "pruned 1 run(s)"))
}
