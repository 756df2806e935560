package channels

import (
	"strings"
	"unicode/utf8"
)

// splitMessage breaks text into parts no longer than limit bytes,
// preferring newline boundaries. A single line longer than the limit
// is hard-split on a rune boundary.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit+1], '\n')
		if cut > 0 {
			part := strings.TrimRight(text[:cut], "\n")
			if part != "" {
				parts = append(parts, part)
			}
			text = strings.TrimLeft(text[cut:], "\n")
			continue
		}
		cut = limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
