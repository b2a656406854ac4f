package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than window", "abc", 10, "abc"},
		{"exact window", "abc", 3, "abc"},
		{"truncates head", "abcdef", 3, "def"},
		{"zero window", "abc", 0, ""},
		{"negative window", "abc", -1, ""},
		{"empty input", "", 5, ""},
		{"multibyte runes kept whole", "héllo wörld", 5, "wörld"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TailRunes(tt.in, tt.n), "TailRunes")
		})
	}
}

func TestEstimateTokensFromChars(t *testing.T) {
	assert.Equal(t, 0, EstimateTokensFromChars(0), "zero chars")
	assert.Equal(t, 1, EstimateTokensFromChars(1), "rounds up")
	assert.Equal(t, 5, EstimateTokensFromChars(10), "ten chars")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""), "empty text has no tokens")
	assert.True(t, EstimateTokens("func main() { fmt.Println(\"hi\") }") > 0, "code has tokens")
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{""}, SplitLines(""), "empty")
	assert.Equal(t, []string{"a", "b", ""}, SplitLines("a\nb\n"), "trailing newline")
}

func TestByteOffset(t *testing.T) {
	text := "ab\ncde\n"
	tests := []struct {
		line, col, want int
	}{
		{0, 0, 0},
		{0, 2, 2},
		{0, 9, 2},
		{1, 0, 3},
		{1, 3, 6},
		{2, 0, 7},
		{2, 5, 7},
		{5, 0, 7},
		{-1, 3, 0},
		{1, -4, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ByteOffset(text, tt.line, tt.col), "ByteOffset(%d, %d)", tt.line, tt.col)
	}
}
