// Package pricing estimates USD cost for recorded token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of mid-2026. Provider model ids often carry a
// date suffix, so lookup falls back to the longest matching prefix.
var knownModels = map[string]ModelPricing{
	// Anthropic
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-opus-4":     {15.00, 75.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
	"o4-mini":     {1.10, 4.40},
	// Gemini (via openai_compatible endpoints)
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-2.5-flash": {0.075, 0.30},
}

// EstimateCost returns the estimated USD cost for the given token
// counts. Unknown models cost 0.0 (safe default for local models).
func EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

func lookup(model string) (ModelPricing, bool) {
	if p, ok := knownModels[model]; ok {
		return p, true
	}
	var (
		best    string
		bestP   ModelPricing
		matched bool
	)
	for prefix, p := range knownModels {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, bestP, matched = prefix, p, true
		}
	}
	return bestP, matched
}
