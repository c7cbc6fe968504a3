package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"kevin/internal/core"
	"kevin/internal/engine"
	"kevin/internal/model"
	"kevin/internal/patch"
	"kevin/internal/repo"
	"kevin/internal/runlog"
	"kevin/internal/sandbox"
	"kevin/internal/workspace"
)

type ReplayOptions struct {
	RepoPath   string
	RunID      string
	ConfigPath string
}

type ReplayResult struct {
	RunID          string
	Steps          int
	RecordedDigest string
	ReplayedDigest string
	Divergences    []string
	Match          bool
}

// Replay restores the workspace to a recorded run's initial snapshot,
// re-executes its action sequence through the normal loop, and
// compares step outcomes and the final tree digest against the record.
func Replay(ctx context.Context, opts ReplayOptions) (ReplayResult, error) {
	env, err := Setup(opts.ConfigPath, opts.RepoPath)
	if err != nil {
		return ReplayResult{}, err
	}

	db, err := env.OpenStore(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	defer db.Close()

	rec, err := db.GetRun(ctx, opts.RunID)
	if err != nil {
		return ReplayResult{}, err
	}
	if rec == nil {
		return ReplayResult{}, fmt.Errorf("run %s not found", opts.RunID)
	}

	recorded, err := runlog.ReadAll(rec.LogPath)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("read run log: %w", err)
	}

	runDir := env.RunDir(opts.RunID)
	initial, err := workspace.ReadSnapshot(filepath.Join(runDir, "snapshot-initial.json"))
	if err != nil {
		return ReplayResult{}, fmt.Errorf("initial snapshot: %w", err)
	}

	// Replay under the run's own recorded config so patch matching and
	// sandbox settings are identical.
	cfg := env.Config
	if rec.Config != "" {
		if err := json.Unmarshal([]byte(rec.Config), &cfg); err != nil {
			return ReplayResult{}, fmt.Errorf("recorded config: %w", err)
		}
	}

	ws, err := workspace.New(rec.RepoPath, cfg.Ignore)
	if err != nil {
		return ReplayResult{}, err
	}
	blobs := workspace.NewBlobStore(env.ObjectsDir(opts.RunID))
	if err := ws.Restore(ctx, initial, blobs); err != nil {
		return ReplayResult{}, fmt.Errorf("restore initial state: %w", err)
	}

	actions := make([]core.Action, len(recorded))
	for i, entry := range recorded {
		actions[i] = entry.Action
	}

	// The replay must play every recorded action; the original run's
	// stop conditions do not apply a second time.
	cfg.MaxSteps = len(actions) + 1
	cfg.RetryBudget = len(actions) + 1

	replayLogPath := filepath.Join(runDir, "replay.jsonl")
	if err := os.Remove(replayLogPath); err != nil && !os.IsNotExist(err) {
		return ReplayResult{}, err
	}
	replayLog, err := runlog.Open(replayLogPath, cfg.RedactEnv)
	if err != nil {
		return ReplayResult{}, err
	}
	defer replayLog.Close()

	box, err := sandbox.NewFromConfig(ws, cfg)
	if err != nil {
		return ReplayResult{}, err
	}

	loop := &engine.Loop{
		RunContext: core.RunContext{
			RunID:    rec.RunID + "-replay",
			Task:     rec.Task,
			RepoPath: rec.RepoPath,
			RunDir:   runDir,
			Log:      replayLog,
			Config:   cfg,
		},
		Planner:   model.NewReplay(actions),
		Sandbox:   box,
		Patcher:   patch.NewEngine(ws, cfg.Patch),
		Workspace: ws,
		Project:   repo.Detect(rec.RepoPath),
	}

	logrus.Infof("replaying run %s: %d recorded action(s)", rec.RunID, len(actions))
	final, runErr := loop.Run(ctx)
	if runErr != nil {
		return ReplayResult{}, fmt.Errorf("replay execution: %w", runErr)
	}

	snap, err := ws.Snapshot(ctx)
	if err != nil {
		return ReplayResult{}, err
	}

	result := ReplayResult{
		RunID:          rec.RunID,
		Steps:          final.Steps,
		RecordedDigest: rec.FinalDigest,
		ReplayedDigest: snap.Digest().String(),
	}
	if result.RecordedDigest == "" {
		// Runs indexed before the digest column was filled still carry
		// the final snapshot file.
		if finalSnap, err := workspace.ReadSnapshot(filepath.Join(runDir, "snapshot-final.json")); err == nil {
			result.RecordedDigest = finalSnap.Digest().String()
		}
	}

	replayed, err := runlog.ReadAll(replayLogPath)
	if err != nil {
		return ReplayResult{}, err
	}
	result.Divergences = compareEntries(recorded, replayed)
	result.Match = result.RecordedDigest != "" &&
		result.RecordedDigest == result.ReplayedDigest &&
		len(result.Divergences) == 0
	return result, nil
}

func compareEntries(recorded, replayed []core.RunLogEntry) []string {
	var divergences []string
	if len(recorded) != len(replayed) {
		divergences = append(divergences,
			fmt.Sprintf("recorded %d step(s), replayed %d", len(recorded), len(replayed)))
	}
	n := len(recorded)
	if len(replayed) < n {
		n = len(replayed)
	}
	for i := 0; i < n; i++ {
		a, b := recorded[i].Outcome, replayed[i].Outcome
		if a.Status != b.Status {
			divergences = append(divergences,
				fmt.Sprintf("step %d: status %s recorded, %s replayed", i+1, a.Status, b.Status))
			continue
		}
		if (a.ExitCode == nil) != (b.ExitCode == nil) ||
			(a.ExitCode != nil && *a.ExitCode != *b.ExitCode) {
			divergences = append(divergences,
				fmt.Sprintf("step %d: exit code diverged", i+1))
		}
		if a.ErrorKind != b.ErrorKind {
			divergences = append(divergences,
				fmt.Sprintf("step %d: error kind %s recorded, %s replayed", i+1, a.ErrorKind, b.ErrorKind))
		}
	}
	return divergences
}
