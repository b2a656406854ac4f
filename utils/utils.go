package utils

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Token estimation constants
const (
	AvgCharsPerToken = 2 // Conservative estimate for mixed content (code + JSON)
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text using cl100k_base.
// Falls back to a character heuristic when the codec is unavailable.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return EstimateTokensFromChars(len(text))
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return EstimateTokensFromChars(len(text))
	}
	return len(ids)
}

// EstimateTokensFromChars estimates the token count for a given character count
func EstimateTokensFromChars(chars int) int {
	return (chars + AvgCharsPerToken - 1) / AvgCharsPerToken
}

// TailRunes returns the last n runes of s. Returns s unchanged when it is
// already short enough, and "" when n <= 0.
func TailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}

// SplitLines splits text on "\n". An empty string yields one empty line.
func SplitLines(text string) []string {
	return strings.Split(text, "\n")
}

// ByteOffset converts a 0-indexed line and byte column into an offset in text.
// Lines past the end clamp to len(text); columns past the line end clamp to the line end.
func ByteOffset(text string, line, col int) int {
	if line < 0 {
		return 0
	}
	offset := 0
	for range line {
		idx := strings.IndexByte(text[offset:], '\n')
		if idx < 0 {
			return len(text)
		}
		offset += idx + 1
	}
	lineEnd := len(text)
	if idx := strings.IndexByte(text[offset:], '\n'); idx >= 0 {
		lineEnd = offset + idx
	}
	return min(offset+max(col, 0), lineEnd)
}
