package engine

import (
	"fmt"
	"strings"

	"kbcoder/logger"
	"kbcoder/types"
)

// Advance returns the cursor after inserting fragment at pos. With N line
// breaks the line moves down N and the column becomes the length after the
// last break; otherwise the column moves by the fragment length.
func Advance(pos types.Position, fragment string) types.Position {
	breaks := strings.Count(fragment, "\n")
	if breaks == 0 {
		return types.Position{Line: pos.Line, Character: pos.Character + len(fragment)}
	}
	last := strings.LastIndexByte(fragment, '\n')
	return types.Position{Line: pos.Line + breaks, Character: len(fragment) - last - 1}
}

// Applier inserts fragments at a virtual cursor it owns for one session
type Applier struct {
	editor    Editor
	sessionID string
	doc       types.DocumentID
	anchor    types.Position
	cursor    types.Position
	increment float64

	text      strings.Builder
	fragments int
}

// NewApplier creates an applier whose cursor starts (and whose selection is anchored) at start
func NewApplier(editor Editor, sessionID string, doc types.DocumentID, start types.Position, increment float64) *Applier {
	return &Applier{
		editor:    editor,
		sessionID: sessionID,
		doc:       doc,
		anchor:    start,
		cursor:    start,
		increment: increment,
	}
}

// Apply inserts fragment at the cursor, advances it, updates the selection
// and reports progress. An insert failure leaves the cursor unchanged.
func (a *Applier) Apply(fragment string) error {
	if err := a.editor.InsertText(a.doc, a.cursor, fragment); err != nil {
		return fmt.Errorf("insert at %d:%d failed: %w", a.cursor.Line, a.cursor.Character, err)
	}
	a.cursor = Advance(a.cursor, fragment)
	a.text.WriteString(fragment)
	a.fragments++

	if err := a.editor.SetSelection(a.doc, a.anchor, a.cursor); err != nil {
		logger.Debug("applier: set selection failed: %v", err)
	}
	if err := a.editor.ReportProgress(Progress{SessionID: a.sessionID, Message: MessageGenerate, Increment: a.increment}); err != nil {
		logger.Debug("applier: progress report failed: %v", err)
	}
	return nil
}

// Cursor returns the virtual cursor
func (a *Applier) Cursor() types.Position { return a.cursor }

// Anchor returns the position the session started at
func (a *Applier) Anchor() types.Position { return a.anchor }

// Text returns everything applied so far
func (a *Applier) Text() string { return a.text.String() }

// Fragments returns the number of applied fragments
func (a *Applier) Fragments() int { return a.fragments }
