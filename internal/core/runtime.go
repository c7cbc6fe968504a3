package core

import "kevin/internal/config"

// LogAppender is the write half of the run log. The loop appends every
// action/outcome pair through it before issuing the next action.
type LogAppender interface {
	Append(action Action, outcome Outcome) (uint64, error)
}

// RunContext carries the per-run state threaded through the loop instead of
// process-wide singletons. One RunContext per run; never shared.
type RunContext struct {
	RunID    string
	Task     string
	RepoPath string
	RunDir   string
	Log      LogAppender
	Config   config.Config
}
