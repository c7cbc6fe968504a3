// Package runlog stores the durable action/outcome history of a run:
// one JSON entry per line, sequence numbers strictly increasing from
// 1, every append fsynced before it returns. A run that crashes can
// be resumed by reopening the log, and replayed by reading it back.
package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kevin/internal/core"
)

// Entries hold full command output and diffs; lines can get big.
const maxLineBytes = 16 << 20

// Redacted replaces the values of sensitive environment variables
// before an action is persisted.
const Redacted = "[redacted]"

// Log is the append side. Safe for concurrent use, though the loop
// appends sequentially.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint64
	redact map[string]struct{}
	closed bool
}

// Open creates the log file, or resumes an existing one by scanning
// it so the next Append continues at max(seq)+1. A log that fails to
// parse refuses to open rather than risking a forked history.
func Open(path string, redactEnv []string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	seq, err := scanLastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	redact := make(map[string]struct{}, len(redactEnv))
	for _, name := range redactEnv {
		redact[name] = struct{}{}
	}
	return &Log{file: file, path: path, seq: seq, redact: redact}, nil
}

// Append persists one action/outcome pair and returns its sequence
// number. The entry is fsynced before Append returns; an entry the
// caller has seen a seq for survives a crash.
func (l *Log) Append(action core.Action, outcome core.Outcome) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("append to closed run log")
	}

	entry := core.RunLogEntry{
		Seq:       l.seq + 1,
		Timestamp: time.Now().UTC(),
		Action:    l.redactAction(action),
		Outcome:   outcome,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return 0, err
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync run log: %w", err)
	}
	l.seq = entry.Seq
	return entry.Seq, nil
}

// LastSeq returns the sequence number of the most recent entry, 0 for
// an empty log.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Close syncs and closes the file. Safe to call twice and on nil.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// redactAction rewrites sensitive env values on a copy; the caller's
// action is never mutated and the secret never reaches disk.
func (l *Log) redactAction(action core.Action) core.Action {
	if action.Command == nil || len(action.Command.Env) == 0 {
		return action
	}
	needed := false
	for name := range action.Command.Env {
		if _, ok := l.redact[name]; ok {
			needed = true
			break
		}
	}
	if !needed {
		return action
	}
	cmd := *action.Command
	cmd.Env = make(map[string]string, len(action.Command.Env))
	for name, value := range action.Command.Env {
		if _, ok := l.redact[name]; ok {
			value = Redacted
		}
		cmd.Env[name] = value
	}
	action.Command = &cmd
	return action
}

// scanLastSeq validates an existing log and returns its last sequence
// number. Missing file means a fresh run.
func scanLastSeq(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var last uint64
	line := 0
	for scanner.Scan() {
		line++
		var entry core.RunLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return 0, fmt.Errorf("resume %s: line %d: %w", path, line, err)
		}
		if entry.Seq != last+1 {
			return 0, fmt.Errorf("resume %s: line %d: sequence %d after %d", path, line, entry.Seq, last)
		}
		last = entry.Seq
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("resume %s: %w", path, err)
	}
	return last, nil
}
