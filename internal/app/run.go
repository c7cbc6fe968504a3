package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"kevin/internal/config"
	"kevin/internal/core"
	"kevin/internal/engine"
	"kevin/internal/model"
	"kevin/internal/patch"
	"kevin/internal/repo"
	"kevin/internal/runlog"
	"kevin/internal/sandbox"
	"kevin/internal/store"
	"kevin/internal/workspace"
)

type RunOptions struct {
	// RepoSpec is a local path or a git URL.
	RepoSpec   string
	Task       string
	ConfigPath string

	// Overrides applied on top of the loaded config when non-empty.
	Sandbox string
	Planner string
	Script  string

	DryRun bool
}

type RunResult struct {
	RunID      string
	Status     string
	StopReason string
	Steps      int
	Reason     string
	LogPath    string
	RunDir     string
}

// Run executes one task against a repo. The run is recorded in the
// store and the run log regardless of how it ends; the returned error
// is non-nil only for infrastructure faults.
func Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return RunResult{}, err
	}
	if opts.Sandbox != "" {
		cfg.Sandbox = opts.Sandbox
	}
	if opts.Planner != "" {
		cfg.Planner.Kind = opts.Planner
	}
	if opts.Script != "" {
		cfg.Planner.Kind = "script"
		cfg.Planner.Script = opts.Script
	}

	strategy := repo.ForSpec(opts.RepoSpec, filepath.Join(cfg.StateDir, "checkouts"))
	checkout, err := strategy.Prepare(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		if err := strategy.Finalize(context.WithoutCancel(ctx), checkout); err != nil {
			logrus.Warnf("finalize checkout: %v", err)
		}
	}()

	env := Env{Config: cfg, RepoRoot: checkout.Path, StateRoot: cfg.StatePath(checkout.Path)}

	runID, err := core.NewRunID()
	if err != nil {
		return RunResult{}, err
	}
	runDir := env.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return RunResult{}, fmt.Errorf("create run dir: %w", err)
	}

	ws, err := workspace.New(checkout.Path, cfg.Ignore)
	if err != nil {
		return RunResult{}, err
	}

	log, err := runlog.Open(filepath.Join(runDir, "runlog.jsonl"), cfg.RedactEnv)
	if err != nil {
		return RunResult{}, err
	}
	defer log.Close()

	db, err := env.OpenStore(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer db.Close()

	// The config snapshot goes into the index for later inspection and
	// replay. It never contains the API key itself, only the env/file
	// names it would be read from.
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return RunResult{}, fmt.Errorf("marshal config: %w", err)
	}

	record := core.RunRecord{
		RunID:     runID,
		RepoPath:  checkout.Path,
		Task:      opts.Task,
		Sandbox:   cfg.Sandbox,
		Status:    core.RunStatusRunning,
		StartedAt: time.Now().UTC(),
		LogPath:   log.Path(),
		Config:    string(cfgJSON),
	}
	if err := db.CreateRun(ctx, record); err != nil {
		return RunResult{}, err
	}

	blobs := workspace.NewBlobStore(env.ObjectsDir(runID))
	initial, err := ws.Snapshot(ctx)
	if err != nil {
		return failRun(db, runID, err)
	}
	if err := ws.Capture(ctx, initial, blobs); err != nil {
		return failRun(db, runID, err)
	}
	if err := workspace.WriteSnapshot(filepath.Join(runDir, "snapshot-initial.json"), initial); err != nil {
		return failRun(db, runID, err)
	}

	box, err := sandbox.NewFromConfig(ws, cfg)
	if err != nil {
		return failRun(db, runID, err)
	}
	planner, err := model.FromConfig(cfg)
	if err != nil {
		return failRun(db, runID, err)
	}

	loop := &engine.Loop{
		RunContext: core.RunContext{
			RunID:    runID,
			Task:     opts.Task,
			RepoPath: checkout.Path,
			RunDir:   runDir,
			Log:      log,
			Config:   cfg,
		},
		Planner:   planner,
		Sandbox:   box,
		Patcher:   patch.NewEngine(ws, cfg.Patch),
		Workspace: ws,
		Project:   repo.Detect(checkout.Path),
		DryRun:    opts.DryRun,
	}

	logrus.Infof("run %s: %q (%s sandbox, %s planner)", runID, opts.Task, cfg.Sandbox, planner.Name())
	final, runErr := loop.Run(ctx)

	// End-of-run bookkeeping proceeds even when the run context is gone.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	finalDigest := ""
	if finalSnap, err := ws.Snapshot(endCtx); err != nil {
		logrus.Warnf("final snapshot: %v", err)
	} else {
		finalDigest = finalSnap.Digest().String()
		if err := ws.Capture(endCtx, finalSnap, blobs); err != nil {
			logrus.Warnf("capture final snapshot: %v", err)
		}
		if err := workspace.WriteSnapshot(filepath.Join(runDir, "snapshot-final.json"), finalSnap); err != nil {
			logrus.Warnf("write final snapshot: %v", err)
		}
	}

	if err := db.FinishRun(endCtx, runID, final.Status, final.StopReason, final.Steps, finalDigest); err != nil {
		logrus.Warnf("record run end: %v", err)
	}

	return RunResult{
		RunID:      runID,
		Status:     final.Status,
		StopReason: final.StopReason,
		Steps:      final.Steps,
		Reason:     final.Reason,
		LogPath:    log.Path(),
		RunDir:     runDir,
	}, runErr
}

// failRun marks a run failed when setup breaks after the index row
// exists, so it never sits in "running" forever.
func failRun(db *store.SQLiteStore, runID string, err error) (RunResult, error) {
	if uerr := db.FinishRun(context.Background(), runID, core.RunStatusFailed, core.StopFatal, 0, ""); uerr != nil {
		logrus.Warnf("mark run %s failed: %v", runID, uerr)
	}
	return RunResult{RunID: runID, Status: core.RunStatusFailed, StopReason: core.StopFatal, Reason: err.Error()}, err
}
