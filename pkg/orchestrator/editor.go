package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/canopyhq/canopy/pkg/render"
	"github.com/canopyhq/canopy/pkg/types"
)

// Editor is the narrow surface the cycle driver needs from the host editor:
// the render write-back interface plus navigation, highlighting and
// write-protection hooks. The actual editor integration lives outside the
// sync engine.
type Editor interface {
	render.Editor
	// Name is the absolute path of the open buffer file.
	Name() string
	// OpenFile navigates the editor to another buffer file.
	OpenFile(path string) error
	// HighlightLines marks an error range.
	HighlightLines(start, end int)
	// ClearHighlights removes all marks.
	ClearHighlights()
	// SetWritable toggles buffer write protection.
	SetWritable(writable bool)
}

// Prompter resolves uncertain-children parses. Returning true resumes the
// cycle (the node's last-sync is dropped and the buffer re-parses);
// returning false pauses parsing until re-enabled.
type Prompter interface {
	ResolveUncertain(err *types.UncertainChildrenError) bool
}

// transposedPrefix marks buffer files rendered from the parents' side.
const transposedPrefix = "~"

const bufferExtension = ".cn.md"

// NodeFilePath is the buffer file the editor opens for one node.
func NodeFilePath(fileDir string, id types.NodeID, transposed bool) string {
	name := string(id) + bufferExtension
	if transposed {
		name = transposedPrefix + name
	}
	return filepath.Join(fileDir, name)
}

// ParseFilePath resolves a buffer file name back to its node and
// orientation.
func ParseFilePath(path string) (types.NodeID, bool, error) {
	name := filepath.Base(path)
	transposed := strings.HasPrefix(name, transposedPrefix)
	name = strings.TrimPrefix(name, transposedPrefix)
	id := types.NodeID(strings.TrimSuffix(name, bufferExtension))
	if !strings.HasSuffix(name, bufferExtension) || !id.Valid() {
		return "", false, &types.KeyNotFoundError{Key: name}
	}
	return id, transposed, nil
}

// FileEditor is a file-backed Editor for headless use: the buffer file is
// the editing surface and external writes to it fire the sync trigger
// through the watcher.
type FileEditor struct {
	path     string
	lines    []string
	writable bool
}

func NewFileEditor(path string) (*FileEditor, error) {
	e := &FileEditor{path: path, writable: true}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the buffer file.
func (e *FileEditor) Reload() error {
	data, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		e.lines = []string{""}
		return nil
	}
	if err != nil {
		return err
	}
	e.lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	return nil
}

// Flush writes the buffer back to its file.
func (e *FileEditor) Flush() error {
	return os.WriteFile(e.path, []byte(strings.Join(e.lines, "\n")+"\n"), 0o600)
}

func (e *FileEditor) Name() string { return e.path }

func (e *FileEditor) Lines() []string {
	out := make([]string, len(e.lines))
	copy(out, e.lines)
	return out
}

func (e *FileEditor) ReplaceLine(i int, line string) {
	if i >= 0 && i < len(e.lines) {
		e.lines[i] = line
	}
}

func (e *FileEditor) InsertLines(i int, lines []string) {
	if i < 0 {
		i = 0
	}
	if i > len(e.lines) {
		i = len(e.lines)
	}
	e.lines = append(e.lines[:i], append(append([]string{}, lines...), e.lines[i:]...)...)
}

func (e *FileEditor) DeleteLines(i, j int) {
	if i < 0 {
		i = 0
	}
	if j > len(e.lines) {
		j = len(e.lines)
	}
	if i >= j {
		return
	}
	e.lines = append(e.lines[:i], e.lines[j:]...)
}

func (e *FileEditor) OpenFile(path string) error {
	e.path = path
	return e.Reload()
}

func (e *FileEditor) HighlightLines(start, end int) {}
func (e *FileEditor) ClearHighlights()              {}
func (e *FileEditor) SetWritable(writable bool)     { e.writable = writable }
