package engine

import (
	"kbcoder/config"
	"kbcoder/preview"
	"kbcoder/provider"
	"kbcoder/types"
)

// Editor defines the editor operations a session needs.
// Implemented by buffer.NvimBuffer for Neovim and buffer.TextBuffer for headless use.
type Editor interface {
	// Sync reads the target document, cursor and other open documents
	Sync(workspacePath string) (*types.EditorState, error)
	// InsertText inserts text at pos as a single edit
	InsertText(doc types.DocumentID, pos types.Position, text string) error
	// SetSelection selects anchor..active and moves the cursor to active
	SetSelection(doc types.DocumentID, anchor, active types.Position) error
	ReportProgress(p Progress) error
	ShowError(message string) error
	// Settings reads the user's key/value settings
	Settings() (config.Settings, error)
	// DeliverPreview hands a preview item back to whoever requested it
	DeliverPreview(requestID int, item *preview.Item) error
}

// Progress is one progress report for a session
type Progress struct {
	SessionID string
	Message   string
	Increment float64 // percent
	Done      bool
}

// Progress messages
const (
	MessageSending  = "Sending to autocoder..."
	MessageGenerate = "Generating..."
	MessageFinished = "Autocoder completion finished."
	ErrorPrefix     = "Autocoder encountered an error: "
)

// EngineConfig configures an Engine
type EngineConfig struct {
	WorkspacePath string
	// SettingsFile is read before the editor settings on every reload; empty skips it
	SettingsFile string
	// NewBackend builds the streaming backend for a snapshot; defaults to provider.New
	NewBackend provider.Factory
	// Previewer answers preview requests; defaults to preview.NewResponder()
	Previewer *preview.Responder
}
