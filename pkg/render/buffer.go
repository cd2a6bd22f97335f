package render

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Editor is the narrow write surface the renderer drives. The caller groups
// the resulting edits into one editor-undo unit.
type Editor interface {
	// Lines returns the current buffer content.
	Lines() []string
	// ReplaceLine replaces the single line at the zero-indexed position.
	ReplaceLine(i int, line string)
	// InsertLines inserts lines before the zero-indexed position.
	InsertLines(i int, lines []string)
	// DeleteLines removes the half-open line range [i, j).
	DeleteLines(i, j int)
}

// wholesaleThreshold bounds the diff work: past it the tail is replaced in
// one edit instead of surgically.
const wholesaleThreshold = 100000

// Apply reconciles the editor's buffer with the rendered lines using the
// smallest edit script that is still cheap to compute, and returns the old
// content.
func Apply(editor Editor, newLines []string) []string {
	oldLines := editor.Lines()
	if len(oldLines) == 0 {
		oldLines = []string{""}
	}
	if linesEqual(oldLines, newLines) {
		return oldLines
	}

	first := firstMismatch(oldLines, newLines)

	if oldEnd, newEnd, ok := mismatchEndsFromTail(oldLines, newLines, first); ok {
		// A single contiguous change: replace the pivot line, then insert or
		// delete the remainder.
		if first == oldEnd {
			editor.ReplaceLine(first, newLines[first])
			editor.InsertLines(first+1, newLines[first+1:newEnd+1])
			return oldLines
		}
		if first == newEnd {
			editor.ReplaceLine(first, newLines[first])
			editor.DeleteLines(first+1, oldEnd+1)
			return oldLines
		}
	}

	if (len(oldLines)-first)*(len(newLines)-first) > wholesaleThreshold {
		editor.DeleteLines(first, len(oldLines))
		editor.InsertLines(first, newLines[first:])
		return oldLines
	}

	surgical(editor, oldLines, newLines)
	return oldLines
}

// surgical applies sequence-matcher opcodes, tracking the offset the edits
// introduce.
func surgical(editor Editor, oldLines, newLines []string) {
	matcher := difflib.NewMatcher(oldLines, newLines)
	offset := 0
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			continue
		case 'r':
			numOld := op.I2 - op.I1
			numNew := op.J2 - op.J1
			minLines := numOld
			if numNew < minLines {
				minLines = numNew
			}
			for i := 0; i < minLines; i++ {
				editor.ReplaceLine(op.I1+offset+i, newLines[op.J1+i])
			}
			if numNew > numOld {
				editor.InsertLines(op.I1+minLines+offset, newLines[op.J1+minLines:op.J2])
			} else if numNew < numOld {
				editor.DeleteLines(op.I1+minLines+offset, op.I2+offset)
			}
			offset += numNew - numOld
		case 'i':
			editor.InsertLines(op.I1+offset, newLines[op.J1:op.J2])
			offset += op.J2 - op.J1
		case 'd':
			editor.DeleteLines(op.I1+offset, op.I2+offset)
			offset -= op.I2 - op.I1
		}
	}
}

func firstMismatch(a, b []string) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

// mismatchEndsFromTail finds the last mismatching index of each list,
// scanning from the end but never crossing the head mismatch.
func mismatchEndsFromTail(oldLines, newLines []string, minimum int) (oldEnd, newEnd int, ok bool) {
	maxRev := len(oldLines) - minimum
	if len(newLines)-minimum < maxRev {
		maxRev = len(newLines) - minimum
	}
	maxRev--
	if maxRev < 0 {
		return 0, 0, false
	}
	rev := 0
	for rev < maxRev && oldLines[len(oldLines)-rev-1] == newLines[len(newLines)-rev-1] {
		rev++
	}
	oldEnd = len(oldLines) - rev - 1
	newEnd = len(newLines) - rev - 1
	return oldEnd, newEnd, oldEnd == minimum || newEnd == minimum
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
