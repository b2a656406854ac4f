package prompt

import (
	"strings"

	"kbcoder/types"
	"kbcoder/utils"
)

// FileMarker precedes every document in an assembled prompt
const FileMarker = "// [FILE-NAME] "

// DefaultProjectName is substituted for {PROJECT_NAME} when no project is open
const DefaultProjectName = "Untitled"

// Context holds the editor state a prompt is assembled from
type Context struct {
	Others           []*types.Document // stable order
	TargetPath       string
	TextBeforeCursor string
}

// NewContext builds a Context from editor state, cutting the target at the cursor
func NewContext(state *types.EditorState) *Context {
	return &Context{
		Others:           state.Others,
		TargetPath:       state.Target.Path,
		TextBeforeCursor: TextBeforeCursor(state.Target.Text, state.Cursor),
	}
}

// Full returns the untruncated prompt: every other document with its marker,
// then the target's marker and its text up to the cursor.
func (c *Context) Full() string {
	var b strings.Builder
	for _, doc := range c.Others {
		if doc == nil {
			continue
		}
		b.WriteString(FileMarker)
		b.WriteString(doc.Path)
		b.WriteString("\n")
		b.WriteString(doc.Text)
		b.WriteString("\n\n")
	}
	b.WriteString(FileMarker)
	b.WriteString(c.TargetPath)
	b.WriteString("\n")
	b.WriteString(c.TextBeforeCursor)
	return b.String()
}

// Build assembles the prompt and keeps its last window characters
func Build(c *Context, window int) string {
	return utils.TailRunes(c.Full(), window)
}

// TextBeforeCursor returns text from the start of the document through pos.
// Positions past the end of a line or the document are clamped.
func TextBeforeCursor(text string, pos types.Position) string {
	return text[:utils.ByteOffset(text, pos.Line, pos.Character)]
}

// HeaderVars are the values substituted into a message header
type HeaderVars struct {
	Language    string
	FileName    string
	ProjectName string
}

// SubstituteHeader replaces the first {LANG}, {FILE_NAME} and {PROJECT_NAME}
// in template. An empty project name becomes "Untitled".
func SubstituteHeader(template string, vars HeaderVars) string {
	project := vars.ProjectName
	if project == "" {
		project = DefaultProjectName
	}
	out := strings.Replace(template, "{LANG}", vars.Language, 1)
	out = strings.Replace(out, "{FILE_NAME}", vars.FileName, 1)
	out = strings.Replace(out, "{PROJECT_NAME}", project, 1)
	return out
}
