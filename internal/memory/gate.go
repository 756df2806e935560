package memory

import (
	"fmt"
	"strings"
)

// transientMarkers flag statements that describe a passing moment
// rather than a durable fact. Short statements containing one are
// rejected outright; long ones usually carry more than the moment.
var transientMarkers = []string{
	"right now",
	"at the moment",
	"for now",
	"currently",
	"today",
	"tonight",
	"this morning",
	"this afternoon",
	"this evening",
	"one sec",
	"brb",
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "my": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "she": {}, "that": {}, "the": {}, "their": {},
	"them": {}, "they": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"were": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// gateContent decides whether a statement is worth remembering.
// Rejections return an error naming the reason so the tool result can
// explain itself to the model.
func gateContent(content string, minChars int) error {
	if len(content) < minChars {
		return fmt.Errorf("memory too short (%d chars, minimum %d)", len(content), minChars)
	}
	lower := strings.ToLower(content)
	if len(content) < 80 {
		for _, marker := range transientMarkers {
			if strings.Contains(lower, marker) {
				return fmt.Errorf("memory looks transient (%q)", marker)
			}
		}
	}
	if len(contentTokens(lower)) < 2 {
		return fmt.Errorf("memory carries too little information")
	}
	return nil
}

// contentTokens returns the deduplicated informative words of a
// statement, the unit both keyword scoring and Jaccard overlap use.
func contentTokens(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		if len(w) < 2 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
