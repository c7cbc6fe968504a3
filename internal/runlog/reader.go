package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"kevin/internal/core"
)

// Reader iterates a run log entry by entry:
//
//	r, err := runlog.Replay(path)
//	for r.Next() {
//	    entry := r.Entry()
//	    ...
//	}
//	err = r.Err()
//
// Sequence numbers are enforced while reading; a gap or repeat means
// the file was tampered with or mis-assembled. Replay the same path
// again for a fresh pass.
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
	entry   core.RunLogEntry
	err     error
	lastSeq uint64
	line    int
}

// Replay opens a run log for reading from the start.
func Replay(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{file: file, scanner: scanner}, nil
}

// Next advances to the next entry. It returns false at end of file or
// on the first error; check Err afterwards.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.scanner.Scan() {
		r.err = r.scanner.Err()
		return false
	}
	r.line++
	var entry core.RunLogEntry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		r.err = fmt.Errorf("line %d: %w", r.line, err)
		return false
	}
	if entry.Seq != r.lastSeq+1 {
		r.err = fmt.Errorf("line %d: sequence %d after %d", r.line, entry.Seq, r.lastSeq)
		return false
	}
	r.lastSeq = entry.Seq
	r.entry = entry
	return true
}

// Entry returns the entry Next positioned on.
func (r *Reader) Entry() core.RunLogEntry {
	return r.entry
}

// Err returns the first error hit while reading, nil on clean EOF.
func (r *Reader) Err() error {
	return r.err
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll loads a whole run log into memory; small helper for show
// and replay commands.
func ReadAll(path string) ([]core.RunLogEntry, error) {
	r, err := Replay(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []core.RunLogEntry
	for r.Next() {
		entries = append(entries, r.Entry())
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
