// Package tokens counts and truncates by model tokens. It lazily loads
// the cl100k_base encoding and falls back to a word/char heuristic when
// the encoding data is unavailable (offline first run).
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Count returns the token count for text, heuristic when the encoding
// failed to load.
func Count(text string) int {
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns a fast heuristic count: word count scaled by the
// average tokens-per-word for English, floored by bytes/4 for code and
// non-whitespace scripts.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(text) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Truncate cuts text down to at most maxTokens, appending an ellipsis
// when it had to cut.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if enc := loadEncoding(); enc != nil {
		toks := enc.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return enc.Decode(toks[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
