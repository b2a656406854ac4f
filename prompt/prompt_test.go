package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"kbcoder/types"
)

func testContext() *Context {
	return &Context{
		Others: []*types.Document{
			{ID: 2, Path: "lib/a.py", Text: "A = 1"},
			{ID: 3, Path: "lib/b.py", Text: "B = 2"},
		},
		TargetPath:       "main.py",
		TextBeforeCursor: "def add(a, b):\n    ",
	}
}

func TestFullOrder(t *testing.T) {
	want := "// [FILE-NAME] lib/a.py\nA = 1\n\n" +
		"// [FILE-NAME] lib/b.py\nB = 2\n\n" +
		"// [FILE-NAME] main.py\ndef add(a, b):\n    "

	assert.Equal(t, want, testContext().Full(), "others first, target last")
}

func TestFullNoOthers(t *testing.T) {
	c := &Context{TargetPath: "x.go", TextBeforeCursor: "package x"}
	assert.Equal(t, "// [FILE-NAME] x.go\npackage x", c.Full(), "target only")
}

func TestBuildWindow(t *testing.T) {
	c := testContext()
	full := c.Full()
	fullLen := utf8.RuneCountInString(full)

	for _, w := range []int{1, 5, 20, fullLen - 1, fullLen, fullLen + 100, 2000} {
		got := Build(c, w)
		assert.Equal(t, min(w, fullLen), utf8.RuneCountInString(got), "length for window %d", w)
		assert.True(t, strings.HasSuffix(full, got), "suffix for window %d", w)
	}
}

func TestBuildDeterministic(t *testing.T) {
	assert.Equal(t, Build(testContext(), 50), Build(testContext(), 50), "same state, same prompt")
}

func TestNewContext(t *testing.T) {
	state := &types.EditorState{
		Target: types.Document{Path: "main.py", Text: "def add(a, b):\n    pass\n"},
		Cursor: types.Position{Line: 1, Character: 4},
		Others: []*types.Document{{Path: "util.py", Text: "x"}},
	}
	c := NewContext(state)
	assert.Equal(t, "def add(a, b):\n    ", c.TextBeforeCursor, "cut at cursor")
	assert.Equal(t, "main.py", c.TargetPath, "target path")
	assert.Len(t, c.Others, 1, "others")
}

func TestTextBeforeCursor(t *testing.T) {
	text := "line0\nline1\nline2"
	tests := []struct {
		name string
		pos  types.Position
		want string
	}{
		{"document start", types.Position{Line: 0, Character: 0}, ""},
		{"mid first line", types.Position{Line: 0, Character: 3}, "lin"},
		{"start of second line", types.Position{Line: 1, Character: 0}, "line0\n"},
		{"end of last line", types.Position{Line: 2, Character: 5}, text},
		{"column past line end clamps", types.Position{Line: 0, Character: 99}, "line0"},
		{"line past end clamps", types.Position{Line: 9, Character: 0}, text},
		{"negative line", types.Position{Line: -1, Character: 0}, ""},
		{"negative column", types.Position{Line: 1, Character: -2}, "line0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TextBeforeCursor(text, tt.pos), "TextBeforeCursor")
		})
	}
}

func TestSubstituteHeader(t *testing.T) {
	vars := HeaderVars{Language: "python", FileName: "/src/main.py", ProjectName: "calc"}

	assert.Equal(t,
		"Write python in /src/main.py for calc.",
		SubstituteHeader("Write {LANG} in {FILE_NAME} for {PROJECT_NAME}.", vars),
		"all tokens")
	assert.Equal(t,
		"python {LANG}",
		SubstituteHeader("{LANG} {LANG}", vars),
		"only the first occurrence is replaced")
	assert.Equal(t,
		"project Untitled",
		SubstituteHeader("project {PROJECT_NAME}", HeaderVars{}),
		"missing project name")
	assert.Equal(t, "", SubstituteHeader("", vars), "empty template")
}
