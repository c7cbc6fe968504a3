// Package app wires a run together: config, checkout, workspace,
// sandbox, planner, run log, store. The cobra commands stay thin and
// call in here.
package app

import (
	"context"
	"os"
	"path/filepath"

	"kevin/internal/config"
	"kevin/internal/store"
)

// Env locates a repo's kevin state on disk.
type Env struct {
	Config    config.Config
	RepoRoot  string
	StateRoot string
}

// Setup loads config and resolves the state root for repoPath.
func Setup(configPath, repoPath string) (Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return Env{}, err
	}
	root, err := filepath.Abs(repoPath)
	if err != nil {
		return Env{}, err
	}
	return Env{Config: cfg, RepoRoot: root, StateRoot: cfg.StatePath(root)}, nil
}

func (e Env) RunsDir() string            { return filepath.Join(e.StateRoot, "runs") }
func (e Env) RunDir(runID string) string { return filepath.Join(e.RunsDir(), runID) }
func (e Env) StorePath() string          { return filepath.Join(e.StateRoot, "kevin.db") }

// ObjectsDir is the run's content-addressed blob store, holding every
// file version its snapshots reference. Kept inside the run dir so
// prune removes it with the run.
func (e Env) ObjectsDir(runID string) string { return filepath.Join(e.RunDir(runID), "objects") }

// OpenStore opens and initializes the runs index.
func (e Env) OpenStore(ctx context.Context) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(e.StateRoot, 0o755); err != nil {
		return nil, err
	}
	db, err := store.NewSQLite(e.StorePath())
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
