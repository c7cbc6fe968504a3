// Package patch parses unified diffs and applies them to a workspace
// atomically: either every file in the diff is rewritten or none is.
package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kevin/internal/core"
)

// Line is one body line of a hunk.
type Line struct {
	// Op is ' ' (context), '-' (remove) or '+' (add).
	Op byte
	// Text is the line content without the op byte or newline.
	Text string
	// NoEOL marks the final line of a file that ends without a
	// newline ("\ No newline at end of file").
	NoEOL bool
}

// Hunk is one @@ section of a file patch. Starts are 1-based line
// numbers in the respective file; a start of 0 with zero lines means
// the file side is empty.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []Line
}

// FilePatch is the portion of a diff addressing a single file.
type FilePatch struct {
	OldPath string // "" when the file is being created
	NewPath string // "" when the file is being deleted
	Create  bool
	Delete  bool
	Hunks   []Hunk
}

// Path is the repository path the patch addresses: the new path, or
// the old one for deletions.
func (fp FilePatch) Path() string {
	if fp.Delete {
		return fp.OldPath
	}
	return fp.NewPath
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// headerSkip lists git metadata lines that may precede the ---/+++
// pair; they carry nothing the apply phase needs.
var headerSkip = []string{
	"diff --git ",
	"index ",
	"new file mode ",
	"deleted file mode ",
	"old mode ",
	"new mode ",
	"similarity index ",
	"dissimilarity index ",
}

func malformed(lineno int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("line %d: %s: %w", lineno, msg, core.ErrPatchMalformed)
}

// Parse reads a unified diff into file patches, in diff order. It
// accepts plain `--- / +++` diffs as well as `git diff` output, and
// treats `/dev/null` as file creation or deletion. Anything it cannot
// interpret is a core.ErrPatchMalformed naming the offending line.
func Parse(text string) ([]FilePatch, error) {
	lines := strings.Split(text, "\n")
	// A trailing newline yields one empty trailing element; drop it
	// so it is not mistaken for an empty context line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var patches []FilePatch
	i := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "--- ") {
			// Git metadata, or leading prose before the first
			// header. Inside the diff, only known metadata lines
			// may separate file sections.
			if len(patches) > 0 && !isMetadata(line) {
				return nil, malformed(i+1, "unexpected content between file patches: %q", line)
			}
			i++
			continue
		}

		fp, next, err := parseFilePatch(lines, i)
		if err != nil {
			return nil, err
		}
		patches = append(patches, fp)
		i = next
	}
	if len(patches) == 0 {
		return nil, malformed(1, "no file headers found")
	}
	return patches, nil
}

func isMetadata(line string) bool {
	if line == "" {
		return true
	}
	for _, prefix := range headerSkip {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// parseFilePatch consumes one ---/+++ pair plus its hunks, starting at
// lines[i] which is the "--- " line. It returns the patch and the
// index of the first unconsumed line.
func parseFilePatch(lines []string, i int) (FilePatch, int, error) {
	var fp FilePatch

	oldPath, err := parseHeaderPath(lines[i], "a/")
	if err != nil {
		return fp, 0, malformed(i+1, "%v", err)
	}
	i++
	if i >= len(lines) || !strings.HasPrefix(lines[i], "+++ ") {
		return fp, 0, malformed(i+1, "missing +++ header after ---")
	}
	newPath, err := parseHeaderPath(lines[i], "b/")
	if err != nil {
		return fp, 0, malformed(i+1, "%v", err)
	}
	i++

	fp.OldPath, fp.NewPath = oldPath, newPath
	switch {
	case oldPath == "" && newPath == "":
		return fp, 0, malformed(i, "both sides are /dev/null")
	case oldPath == "":
		fp.Create = true
	case newPath == "":
		fp.Delete = true
	}

	for i < len(lines) && strings.HasPrefix(lines[i], "@@") {
		hunk, next, err := parseHunk(lines, i)
		if err != nil {
			return fp, 0, err
		}
		fp.Hunks = append(fp.Hunks, hunk)
		i = next
	}

	if err := checkFilePatch(fp, i); err != nil {
		return fp, 0, err
	}
	return fp, i, nil
}

// parseHeaderPath extracts the path from a "--- " or "+++ " line,
// dropping any tab-separated timestamp, the a/ or b/ prefix, and
// mapping /dev/null to "".
func parseHeaderPath(line, prefix string) (string, error) {
	raw := line[4:]
	if idx := strings.IndexByte(raw, '\t'); idx >= 0 {
		raw = raw[:idx]
	}
	raw = strings.TrimRight(raw, " ")
	if raw == "/dev/null" {
		return "", nil
	}
	raw = strings.TrimPrefix(raw, prefix)
	if raw == "" {
		return "", fmt.Errorf("empty path in header %q", line)
	}
	return raw, nil
}

func parseHunk(lines []string, i int) (Hunk, int, error) {
	var h Hunk
	m := hunkHeader.FindStringSubmatch(lines[i])
	if m == nil {
		return h, 0, malformed(i+1, "bad hunk header %q", lines[i])
	}
	h.OldStart = mustAtoi(m[1])
	h.OldLines = countOrOne(m[2])
	h.NewStart = mustAtoi(m[3])
	h.NewLines = countOrOne(m[4])
	headerLine := i
	i++

	oldLeft, newLeft := h.OldLines, h.NewLines
	for oldLeft > 0 || newLeft > 0 {
		if i >= len(lines) {
			return h, 0, malformed(headerLine+1, "hunk truncated: %d old, %d new lines missing", oldLeft, newLeft)
		}
		line := lines[i]
		var op byte = ' '
		text := ""
		if line != "" {
			op = line[0]
			text = line[1:]
		}
		switch op {
		case ' ':
			if oldLeft <= 0 || newLeft <= 0 {
				return h, 0, malformed(i+1, "context line overflows hunk counts")
			}
			oldLeft--
			newLeft--
			h.Lines = append(h.Lines, Line{Op: ' ', Text: text})
		case '-':
			if oldLeft <= 0 {
				return h, 0, malformed(i+1, "removal overflows old count")
			}
			oldLeft--
			h.Lines = append(h.Lines, Line{Op: '-', Text: text})
		case '+':
			if newLeft <= 0 {
				return h, 0, malformed(i+1, "addition overflows new count")
			}
			newLeft--
			h.Lines = append(h.Lines, Line{Op: '+', Text: text})
		case '\\':
			if err := markNoEOL(&h, i); err != nil {
				return h, 0, err
			}
		default:
			return h, 0, malformed(i+1, "unexpected hunk line %q", line)
		}
		i++
	}
	// A no-newline marker may follow the final counted line.
	if i < len(lines) && strings.HasPrefix(lines[i], "\\") {
		if err := markNoEOL(&h, i); err != nil {
			return h, 0, err
		}
		i++
	}
	return h, i, nil
}

func markNoEOL(h *Hunk, lineno int) error {
	if len(h.Lines) == 0 {
		return malformed(lineno+1, `"\ No newline" before any hunk line`)
	}
	h.Lines[len(h.Lines)-1].NoEOL = true
	return nil
}

func checkFilePatch(fp FilePatch, endLine int) error {
	if fp.Create {
		for _, h := range fp.Hunks {
			if h.OldLines != 0 {
				return malformed(endLine, "creation of %s removes lines", fp.NewPath)
			}
		}
	}
	if fp.Delete {
		for _, h := range fp.Hunks {
			if h.NewLines != 0 {
				return malformed(endLine, "deletion of %s adds lines", fp.OldPath)
			}
		}
	}
	// Empty-file creation and deletion legitimately carry no hunks;
	// a same-path patch without hunks is dead weight.
	if len(fp.Hunks) == 0 && !fp.Create && !fp.Delete {
		return malformed(endLine, "patch for %s has no hunks", fp.Path())
	}
	return nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return mustAtoi(s)
}
