package buffer

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"kbcoder/config"
	"kbcoder/engine"
	"kbcoder/preview"
	"kbcoder/types"
	"kbcoder/utils"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// languageByExt maps file extensions to editor language ids
var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".jsx":  "javascriptreact",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".java": "java",
	".lua":  "lua",
	".rb":   "ruby",
	".sh":   "sh",
	".md":   "markdown",
}

// LanguageFromPath guesses a language id from the file extension
func LanguageFromPath(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}

// TextBuffer is an in-memory document implementing engine.Editor.
// The headless complete command and tests drive sessions through it.
type TextBuffer struct {
	ID       types.DocumentID
	Path     string
	Language string
	Project  string
	Others   []*types.Document
	// Out receives progress and error lines; nil discards them
	Out io.Writer

	mu       sync.Mutex
	text     string
	cursor   types.Position
	anchor   types.Position
	settings config.Settings
	errors   []string
	previews map[int]*preview.Item
}

var _ engine.Editor = (*TextBuffer)(nil)

// NewTextBuffer creates a buffer holding text with the cursor at cursor
func NewTextBuffer(path, text string, cursor types.Position) *TextBuffer {
	return &TextBuffer{
		ID:       1,
		Path:     path,
		Language: LanguageFromPath(path),
		text:     text,
		cursor:   cursor,
		anchor:   cursor,
		previews: make(map[int]*preview.Item),
	}
}

// LoadTextBuffer reads path into a new buffer
func LoadTextBuffer(path string, cursor types.Position) (*TextBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewTextBuffer(path, string(data), cursor), nil
}

// WriteFile saves the buffer text to its path
func (t *TextBuffer) WriteFile() error {
	if err := os.WriteFile(t.Path, []byte(t.Text()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", t.Path, err)
	}
	return nil
}

// SetSettings replaces the settings returned by Settings
func (t *TextBuffer) SetSettings(s config.Settings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = maps.Clone(s)
}

func (t *TextBuffer) Sync(workspacePath string) (*types.EditorState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := t.Path
	if filepath.IsAbs(path) && workspacePath != "" {
		path = makeRelativeToWorkspace(path, workspacePath)
	}
	project := t.Project
	if project == "" && workspacePath != "" {
		project = projectName(workspacePath)
	}
	return &types.EditorState{
		Target: types.Document{
			ID:       t.ID,
			Path:     path,
			Language: t.Language,
			Text:     t.text,
		},
		Cursor:      t.cursor,
		Others:      t.Others,
		ProjectName: project,
	}, nil
}

func (t *TextBuffer) InsertText(doc types.DocumentID, pos types.Position, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if doc != t.ID {
		return fmt.Errorf("unknown document %d", doc)
	}
	lines := utils.SplitLines(t.text)
	if pos.Line < 0 || pos.Line >= len(lines) || pos.Character < 0 || pos.Character > len(lines[pos.Line]) {
		return fmt.Errorf("position %d:%d out of range", pos.Line, pos.Character)
	}
	offset := utils.ByteOffset(t.text, pos.Line, pos.Character)
	t.text = t.text[:offset] + text + t.text[offset:]
	return nil
}

func (t *TextBuffer) SetSelection(doc types.DocumentID, anchor, active types.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if doc != t.ID {
		return fmt.Errorf("unknown document %d", doc)
	}
	t.anchor = anchor
	t.cursor = active
	return nil
}

func (t *TextBuffer) ReportProgress(p engine.Progress) error {
	if t.Out == nil || p.Message == "" {
		return nil
	}
	// per-fragment reports would flood a terminal
	if p.Message == engine.MessageGenerate {
		return nil
	}
	_, err := fmt.Fprintln(t.Out, p.Message)
	return err
}

func (t *TextBuffer) ShowError(message string) error {
	t.mu.Lock()
	t.errors = append(t.errors, message)
	t.mu.Unlock()
	if t.Out != nil {
		_, err := fmt.Fprintln(t.Out, message)
		return err
	}
	return nil
}

func (t *TextBuffer) Settings() (config.Settings, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.settings), nil
}

func (t *TextBuffer) DeliverPreview(requestID int, item *preview.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previews[requestID] = item
	return nil
}

// Text returns the current document text
func (t *TextBuffer) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

// Cursor returns the cursor position
func (t *TextBuffer) Cursor() types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Selection returns the selected range
func (t *TextBuffer) Selection() (anchor, active types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anchor, t.cursor
}

// Errors returns every error shown so far
func (t *TextBuffer) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.errors...)
}

// Preview returns a delivered preview item
func (t *TextBuffer) Preview(requestID int) (*preview.Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.previews[requestID]
	return item, ok
}

// Diff renders a line-level unified patch from before to the current text
func (t *TextBuffer) Diff(before string) string {
	after := t.Text()
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	return dmp.PatchToText(dmp.PatchMake(before, diffs))
}
