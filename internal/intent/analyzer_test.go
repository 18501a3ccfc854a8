package intent

import (
	"testing"

	xerrors "OpenIntent-Chain/internal/errors"
)

func TestAnalyzeSubstringMatch(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	analyzed, err := analyzer.Analyze(&UserIntent{
		ID:     "i1",
		Type:   "lending",
		Action: "deposit money",
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := analyzed.Primary(); got != "supply" {
		t.Fatalf("expected supply as primary action, got %q", got)
	}
	if analyzed.Confidence != 0.7 {
		t.Fatalf("expected confidence 0.7 for partial match, got %v", analyzed.Confidence)
	}
	if analyzed.Complexity != ComplexityLow {
		t.Fatalf("expected low complexity, got %s", analyzed.Complexity)
	}
}

func TestAnalyzeExactMatch(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	analyzed, err := analyzer.Analyze(&UserIntent{
		ID:     "i2",
		Type:   "lending",
		Action: "borrow",
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analyzed.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9 for exact match, got %v", analyzed.Confidence)
	}
	if !containsString(analyzed.Risks, RiskLiquidation) {
		t.Fatalf("expected liquidation risk, got %v", analyzed.Risks)
	}
}

func TestAnalyzeUnsupportedType(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	_, err := analyzer.Analyze(&UserIntent{ID: "i3", Type: "gaming", Action: "play"})
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnsupportedIntent {
		t.Fatalf("expected UNSUPPORTED_INTENT, got %s", xerrors.CodeOf(err))
	}
}

func TestAnalyzeUnresolvedAction(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	_, err := analyzer.Analyze(&UserIntent{ID: "i4", Type: "lending", Action: "jump around"})
	if err == nil {
		t.Fatal("expected error for unresolved action")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnsupportedIntent {
		t.Fatalf("expected UNSUPPORTED_INTENT, got %s", xerrors.CodeOf(err))
	}
}

func TestAnalyzeMissingFields(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	_, err := analyzer.Analyze(&UserIntent{ID: "i5", Type: "lending"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected VALIDATION_FAILED, got %s", xerrors.CodeOf(err))
	}
}

func TestAnalyzeHighValueRisk(t *testing.T) {
	analyzer := NewAnalyzer(nil, WithHighValueThreshold(1000))

	analyzed, err := analyzer.Analyze(&UserIntent{
		ID:         "i6",
		Type:       "liquidity",
		Action:     "swap",
		Parameters: map[string]any{"amount": 2500.0},
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !containsString(analyzed.Risks, RiskSlippage) {
		t.Fatalf("expected slippage risk, got %v", analyzed.Risks)
	}
	if !containsString(analyzed.Risks, RiskHighValue) {
		t.Fatalf("expected high value risk, got %v", analyzed.Risks)
	}
}

func TestAnalyzeConcernActionsAdditive(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	base, err := analyzer.Analyze(&UserIntent{
		ID:     "i7",
		Type:   "liquidity",
		Action: "swap with lowest gas",
	})
	if err != nil {
		t.Fatalf("analyze without concern: %v", err)
	}
	if containsString(base.RequiredActions, "query_chain_state") {
		t.Fatalf("hint action must not appear before the concern is enabled: %v", base.RequiredActions)
	}

	analyzer.EnableConcern(ConcernBlockchain)

	enriched, err := analyzer.Analyze(&UserIntent{
		ID:     "i8",
		Type:   "liquidity",
		Action: "swap with lowest gas",
	})
	if err != nil {
		t.Fatalf("analyze with concern: %v", err)
	}
	if enriched.RequiredActions[0] != "swap" {
		t.Fatalf("user-resolved action must stay first, got %v", enriched.RequiredActions)
	}
	if !containsString(enriched.RequiredActions, "query_chain_state") {
		t.Fatalf("expected appended hint action, got %v", enriched.RequiredActions)
	}
}

func TestAnalyzeComplexityBuckets(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	multi, err := analyzer.Analyze(&UserIntent{
		ID:     "i9",
		Type:   "lending",
		Action: "supply then borrow",
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(multi.RequiredActions) != 2 {
		t.Fatalf("expected 2 actions, got %v", multi.RequiredActions)
	}
	if multi.Complexity != ComplexityMedium {
		t.Fatalf("expected medium complexity, got %s", multi.Complexity)
	}
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
