package patch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"kevin/internal/config"
	"kevin/internal/core"
	"kevin/internal/workspace"
)

// Engine applies unified diffs to a workspace. Apply is atomic at the
// diff level: every file is validated in memory before anything is
// written, so a conflict in the last hunk leaves the tree untouched.
type Engine struct {
	ws        *workspace.Workspace
	maxOffset int
	fuzz      int
}

// NewEngine builds an engine over the workspace. The patch config
// defaults to exact matching; max_offset and fuzz loosen it.
func NewEngine(ws *workspace.Workspace, cfg config.PatchConfig) *Engine {
	return &Engine{ws: ws, maxOffset: cfg.MaxOffset, fuzz: cfg.Fuzz}
}

// fileState is the in-memory image of one file as the validation
// phase evolves it across the diff.
type fileState struct {
	lines   []string
	noEOL   bool // content ends without a trailing newline
	exists  bool
	deleted bool
	mode    fs.FileMode
}

func conflict(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, core.ErrPatchConflict)
}

// Apply validates the whole diff against the current tree and, only
// if every hunk of every file matches, writes the results in diff
// order. It returns the changed paths in diff order.
func (e *Engine) Apply(ctx context.Context, diffText string) ([]string, error) {
	states, order, err := e.validate(ctx, diffText)
	if err != nil {
		return nil, err
	}
	for _, path := range order {
		st := states[path]
		if st.deleted {
			if err := e.ws.Remove(path); err != nil {
				return nil, fmt.Errorf("apply: remove %s: %w", path, err)
			}
			continue
		}
		if err := e.ws.WriteFile(path, []byte(joinLines(st.lines, st.noEOL)), st.mode); err != nil {
			return nil, fmt.Errorf("apply: write %s: %w", path, err)
		}
	}
	logrus.Debugf("patch: applied %d file(s)", len(order))
	return order, nil
}

// Check runs the validation phase only. It reports the paths the diff
// would change without touching the tree; dry runs use it.
func (e *Engine) Check(ctx context.Context, diffText string) ([]string, error) {
	_, order, err := e.validate(ctx, diffText)
	return order, err
}

func (e *Engine) validate(ctx context.Context, diffText string) (map[string]*fileState, []string, error) {
	patches, err := Parse(diffText)
	if err != nil {
		return nil, nil, err
	}

	states := map[string]*fileState{}
	var order []string
	for _, fp := range patches {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		path := fp.Path()
		st, err := e.loadState(states, path)
		if err != nil {
			return nil, nil, err
		}

		switch {
		case fp.Create && st.exists:
			return nil, nil, conflict("%s: create target already exists", path)
		case !fp.Create && !st.exists:
			return nil, nil, conflict("%s: file does not exist", path)
		}
		if fp.Create {
			*st = fileState{exists: true, mode: 0o644}
		}

		if err := e.applyHunks(st, fp); err != nil {
			return nil, nil, err
		}

		if fp.Delete {
			if len(st.lines) != 0 {
				return nil, nil, conflict("%s: deletion does not cover whole file (%d line(s) left)", path, len(st.lines))
			}
			st.deleted = true
			st.exists = false
		}

		if !containsString(order, path) {
			order = append(order, path)
		}
		states[path] = st
	}
	return states, order, nil
}

// loadState returns the evolving state for path, reading it from the
// workspace on first touch. Path resolution errors (escapes) pass
// through unchanged.
func (e *Engine) loadState(states map[string]*fileState, path string) (*fileState, error) {
	if st, ok := states[path]; ok {
		return st, nil
	}
	if _, err := e.ws.Resolve(path); err != nil {
		return nil, err
	}
	st := &fileState{mode: 0o644}
	data, err := e.ws.ReadFile(path)
	switch {
	case err == nil:
		st.exists = true
		st.lines, st.noEOL = splitLines(string(data))
		if info, err := e.ws.Stat(path); err == nil {
			st.mode = info.Mode().Perm()
		}
	case os.IsNotExist(err):
		// stays st.exists == false
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	states[path] = st
	return st, nil
}

// applyHunks applies every hunk of fp to st.lines, in order. The
// cumulative delta tracks how earlier hunks (and any offset drift)
// shift later hunks' expected positions.
func (e *Engine) applyHunks(st *fileState, fp FilePatch) error {
	path := fp.Path()
	delta := 0
	for i, h := range fp.Hunks {
		if h.OldLines == 0 {
			// Pure insertion: OldStart names the line after which
			// to insert (0 = top of file).
			pos := h.OldStart + delta
			if pos < 0 || pos > len(st.lines) {
				return conflict("%s: hunk %d inserts at line %d of %d", path, i+1, pos, len(st.lines))
			}
			st.lines = splice(st.lines, pos, 0, newLines(h.Lines))
			applyEOL(st, h, pos+h.NewLines == len(st.lines))
			delta += h.NewLines
			continue
		}

		expected := h.OldStart - 1 + delta
		matched, hunkLines, err := e.findHunk(st, h, expected, fp, i)
		if err != nil {
			return err
		}

		oldConsumed := 0
		var out []string
		out = append(out, st.lines[:matched]...)
		for _, hl := range hunkLines {
			switch hl.Op {
			case ' ':
				out = append(out, st.lines[matched+oldConsumed])
				oldConsumed++
			case '-':
				oldConsumed++
			case '+':
				out = append(out, hl.Text)
			}
		}
		reachedEnd := matched+oldConsumed == len(st.lines)
		out = append(out, st.lines[matched+oldConsumed:]...)
		st.lines = out

		applyEOL(st, h, reachedEnd)
		delta += (matched - expected) + (h.NewLines - h.OldLines)
	}
	return nil
}

// findHunk locates the hunk in the current lines: first at the
// expected position, then within ±maxOffset, then with up to fuzz
// edge context lines dropped. It returns the match position and the
// (possibly trimmed) hunk lines to apply.
func (e *Engine) findHunk(st *fileState, h Hunk, expected int, fp FilePatch, i int) (int, []Line, error) {
	if pos, ok := searchOffsets(st, h.Lines, expected, e.maxOffset); ok {
		return pos, h.Lines, nil
	}
	for f := 1; f <= e.fuzz; f++ {
		trimmed, lead := trimContext(h.Lines, f)
		if lead == 0 && len(trimmed) == len(h.Lines) {
			break
		}
		if pos, ok := searchOffsets(st, trimmed, expected+lead, e.maxOffset); ok {
			return pos, trimmed, nil
		}
	}
	return 0, nil, conflict("%s: hunk %d does not match at line %d", fp.Path(), i+1, expected+1)
}

// searchOffsets tries candidate positions expected, expected±1, … up
// to ±maxOffset.
func searchOffsets(st *fileState, hunkLines []Line, expected, maxOffset int) (int, bool) {
	for off := 0; off <= maxOffset; off++ {
		for _, pos := range []int{expected + off, expected - off} {
			if matchAt(st, hunkLines, pos) {
				return pos, true
			}
			if off == 0 {
				break
			}
		}
	}
	return 0, false
}

// matchAt verifies every context and removal line of the hunk against
// st.lines starting at pos, including no-newline constraints.
func matchAt(st *fileState, hunkLines []Line, pos int) bool {
	if pos < 0 {
		return false
	}
	k := 0
	for _, hl := range hunkLines {
		if hl.Op == '+' {
			continue
		}
		idx := pos + k
		if idx >= len(st.lines) || st.lines[idx] != hl.Text {
			return false
		}
		if hl.NoEOL && (idx != len(st.lines)-1 || !st.noEOL) {
			return false
		}
		k++
	}
	return true
}

// trimContext drops up to f context lines from each edge of the hunk,
// returning the trimmed lines and how many were dropped at the front.
func trimContext(lines []Line, f int) ([]Line, int) {
	lead := 0
	for lead < f && lead < len(lines) && lines[lead].Op == ' ' {
		lead++
	}
	tail := len(lines)
	for tail > lead && len(lines)-tail < f && lines[tail-1].Op == ' ' {
		tail--
	}
	return lines[lead:tail], lead
}

// applyEOL updates the trailing-newline state when a hunk rewrites
// the end of the file.
func applyEOL(st *fileState, h Hunk, reachedEnd bool) {
	if !reachedEnd {
		return
	}
	st.noEOL = false
	for _, hl := range h.Lines {
		if hl.Op != '-' && hl.NoEOL {
			st.noEOL = true
		}
	}
	if len(st.lines) == 0 {
		st.noEOL = false
	}
}

func newLines(hunkLines []Line) []string {
	var out []string
	for _, hl := range hunkLines {
		if hl.Op == '+' {
			out = append(out, hl.Text)
		}
	}
	return out
}

func splice(lines []string, pos, del int, insert []string) []string {
	out := make([]string, 0, len(lines)-del+len(insert))
	out = append(out, lines[:pos]...)
	out = append(out, insert...)
	out = append(out, lines[pos+del:]...)
	return out
}

func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	noEOL := !strings.HasSuffix(content, "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n"), noEOL
}

func joinLines(lines []string, noEOL bool) string {
	if len(lines) == 0 {
		return ""
	}
	joined := strings.Join(lines, "\n")
	if !noEOL {
		joined += "\n"
	}
	return joined
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
