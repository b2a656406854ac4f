package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcoder/types"
)

func TestAdvance(t *testing.T) {
	start := types.Position{Line: 3, Character: 5}
	tests := []struct {
		name     string
		fragment string
		want     types.Position
	}{
		{"plain", "abc", types.Position{Line: 3, Character: 8}},
		{"one break", "a\nbc", types.Position{Line: 4, Character: 2}},
		{"only break", "\n", types.Position{Line: 4, Character: 0}},
		{"two breaks", "x\n\nyz", types.Position{Line: 5, Character: 2}},
		{"trailing break", "abc\n", types.Position{Line: 4, Character: 0}},
		{"empty", "", types.Position{Line: 3, Character: 5}},
		{"multibyte counts bytes", "é", types.Position{Line: 3, Character: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Advance(start, tt.fragment), "cursor after %q", tt.fragment)
		})
	}
}

func TestApplier_Apply(t *testing.T) {
	ed := newMockEditor("def add(a, b):\n    ", types.Position{Line: 1, Character: 4})
	start := types.Position{Line: 1, Character: 4}
	a := NewApplier(ed, "s1", 1, start, 0.1)

	require.NoError(t, a.Apply("return"))
	require.NoError(t, a.Apply(" a\n"))

	assert.Equal(t, "def add(a, b):\n    return a\n", ed.text(), "document text")
	assert.Equal(t, types.Position{Line: 2, Character: 0}, a.Cursor(), "cursor")
	assert.Equal(t, start, a.Anchor(), "anchor")
	assert.Equal(t, "return a\n", a.Text(), "applied text")
	assert.Equal(t, 2, a.Fragments(), "fragments")

	require.Len(t, ed.selections, 2)
	assert.Equal(t, selection{anchor: start, active: types.Position{Line: 1, Character: 10}}, ed.selections[0], "first selection")
	assert.Equal(t, selection{anchor: start, active: types.Position{Line: 2, Character: 0}}, ed.selections[1], "selection spans inserted text")

	require.Len(t, ed.progress, 2)
	for _, p := range ed.progress {
		assert.Equal(t, MessageGenerate, p.Message, "progress message")
		assert.Equal(t, 0.1, p.Increment, "progress increment")
		assert.Equal(t, "s1", p.SessionID, "progress session")
	}
}

func TestApplier_InsertFailureKeepsCursor(t *testing.T) {
	ed := newMockEditor("x", types.Position{Line: 0, Character: 1})
	ed.insertErr = errors.New("buffer is read-only")
	a := NewApplier(ed, "s1", 1, types.Position{Line: 0, Character: 1}, 1)

	err := a.Apply("abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer is read-only", "wrapped cause")
	assert.Equal(t, types.Position{Line: 0, Character: 1}, a.Cursor(), "cursor unchanged")
	assert.Equal(t, 0, a.Fragments(), "nothing applied")
	assert.Empty(t, ed.selections, "no selection update")
}
