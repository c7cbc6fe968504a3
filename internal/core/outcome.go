package core

import "time"

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Outcome is the result of executing exactly one Action. Stdout/Stderr are
// capped at capture time; Truncated records that the cap was hit.
type Outcome struct {
	Status       Status   `json:"status"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	Stdout       string   `json:"stdout,omitempty"`
	Stderr       string   `json:"stderr,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	Error        string   `json:"error,omitempty"`
	Truncated    bool     `json:"truncated,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// FailureOutcome wraps an error into a failure Outcome carrying its kind.
func FailureOutcome(err error, started time.Time) Outcome {
	return Outcome{
		Status:     StatusFailure,
		ErrorKind:  ErrorKind(err),
		Error:      err.Error(),
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// RunLogEntry pairs an Action with its Outcome under a strictly increasing
// sequence number. The serialized form (one JSON object per line) is the
// run log's on-disk format.
type RunLogEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome"`
}
