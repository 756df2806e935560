package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestEstimateCost_DateSuffixFallsBackToPrefix(t *testing.T) {
	dated := EstimateCost("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000)
	base := EstimateCost("claude-sonnet-4", 1_000_000, 1_000_000)
	if dated != base {
		t.Fatalf("dated model id priced %f, base %f", dated, base)
	}
	if base != 3.00+15.00 {
		t.Fatalf("unexpected base price %f", base)
	}
}

func TestEstimateCost_LongestPrefixWins(t *testing.T) {
	mini := EstimateCost("gpt-4o-mini-2024-07-18", 1_000_000, 0)
	if mini != 0.15 {
		t.Fatalf("expected gpt-4o-mini pricing, got %f", mini)
	}
}
