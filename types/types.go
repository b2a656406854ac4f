package types

// Position is a location in a document.
// Line is 0-indexed; Character is a 0-indexed byte column (Neovim's column unit).
type Position struct {
	Line      int
	Character int
}

// DocumentID identifies a document in the editor (a Neovim buffer handle)
type DocumentID int

// Document is an open, file-backed document
type Document struct {
	ID       DocumentID
	Path     string // relative to the workspace when inside it
	Language string
	Text     string
}

// EditorState is everything the controller reads from the editor at the start of a session
type EditorState struct {
	Target      Document
	Cursor      Position
	Others      []*Document // other open file-backed documents, stable order
	ProjectName string
}

// ProtocolType selects the wire protocol used for streaming
type ProtocolType string

const (
	ProtocolRaw    ProtocolType = "raw"
	ProtocolOpenAI ProtocolType = "openai"
)

// CancelSource names what aborted a streaming session
type CancelSource string

const (
	CancelCaller         CancelSource = "caller"
	CancelProgress       CancelSource = "progress"
	CancelDocumentClosed CancelSource = "document_closed"
)
