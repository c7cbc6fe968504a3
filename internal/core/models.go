package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusStopped   = "stopped"
)

// Stop reasons recorded when a loop leaves the running state.
const (
	StopCompleted      = "completed"
	StopMaxSteps       = "max_steps"
	StopSignal         = "stopped"
	StopModelError     = "model_error"
	StopRetryExhausted = "retry_budget_exhausted"
	StopFatal          = "fatal"
)

// RunRecord is the store's index row for one run. The run log JSONL is the
// source of truth; this row exists so `kevin list` and `kevin show` can find
// runs without scanning the state directory.
type RunRecord struct {
	RunID       string    `json:"run_id"`
	RepoPath    string    `json:"repo_path"`
	Task        string    `json:"task"`
	Sandbox     string    `json:"sandbox"`
	Status      string    `json:"status"`
	StopReason  string    `json:"stop_reason,omitempty"`
	Steps       int       `json:"steps"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	LogPath     string    `json:"log_path"`
	FinalDigest string    `json:"final_digest,omitempty"`
	Config      string    `json:"config,omitempty"`
}

func NewRunID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return fmt.Sprintf("run-%s", hex.EncodeToString(bytes)), nil
}
