package app

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"kevin/internal/sandbox"
)

type PruneOptions struct {
	RepoPath   string
	ConfigPath string

	// OlderThan keeps runs finished within the window. Ignored when
	// All is set.
	OlderThan time.Duration
	All       bool

	// Containers also removes leaked kevin-managed docker containers.
	Containers bool
}

type PruneResult struct {
	Removed           []string
	ContainersRemoved int
}

// Prune deletes finished runs from the index and their run
// directories, blob objects included. Runs still marked running are
// never touched.
func Prune(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	env, err := Setup(opts.ConfigPath, opts.RepoPath)
	if err != nil {
		return PruneResult{}, err
	}

	db, err := env.OpenStore(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	defer db.Close()

	cutoff := time.Now().Add(-opts.OlderThan)
	if opts.All {
		cutoff = time.Now().Add(time.Hour)
	}
	victims, err := db.FinishedBefore(ctx, cutoff)
	if err != nil {
		return PruneResult{}, err
	}

	var result PruneResult
	for _, rec := range victims {
		if _, err := db.DeleteRun(ctx, rec.RunID); err != nil {
			return result, err
		}
		if err := os.RemoveAll(env.RunDir(rec.RunID)); err != nil {
			logrus.Warnf("remove %s: %v", env.RunDir(rec.RunID), err)
		}
		result.Removed = append(result.Removed, rec.RunID)
	}

	if opts.Containers {
		n, err := sandbox.PruneContainers(ctx)
		if err != nil {
			return result, err
		}
		result.ContainersRemoved = n
	}
	return result, nil
}
