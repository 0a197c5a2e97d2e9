package visibility

import (
	"context"
	"testing"
	"time"

	"brandscope/internal/engine"
)

func diagnoseMock(text string, sources ...string) engine.Adapter {
	return &engine.MockAdapter{
		Desc:       engine.Descriptor{ID: "diag", Kind: engine.KindGrounded},
		Text:       text,
		SourceURLs: sources,
		Delay:      time.Millisecond,
	}
}

func TestDiagnoseFilteredByCitation(t *testing.T) {
	cfg := testDetection(t)
	adapter := diagnoseMock("A broad market overview.",
		"https://adidas.com", "https://shop.nike.com/running")
	result := Diagnose(context.Background(), adapter, "best running shoes", cfg)
	if result.Status != DiagnosisFiltered {
		t.Fatalf("expected FILTERED, got %s (%s)", result.Status, result.Message)
	}
}

func TestDiagnoseFilteredByTextMention(t *testing.T) {
	cfg := testDetection(t)
	adapter := diagnoseMock("Nike and Adidas lead this market.", "https://adidas.com")
	result := Diagnose(context.Background(), adapter, "best running shoes", cfg)
	if result.Status != DiagnosisFiltered {
		t.Fatalf("expected FILTERED, got %s (%s)", result.Status, result.Message)
	}
}

func TestDiagnoseInvisible(t *testing.T) {
	cfg := testDetection(t)
	adapter := diagnoseMock("Adidas and Puma lead this market.",
		"https://adidas.com", "https://puma.com")
	result := Diagnose(context.Background(), adapter, "best running shoes", cfg)
	if result.Status != DiagnosisInvisible {
		t.Fatalf("expected INVISIBLE, got %s (%s)", result.Status, result.Message)
	}
}

func TestDiagnoseInconclusiveWithoutCitations(t *testing.T) {
	cfg := testDetection(t)
	adapter := diagnoseMock("General discussion with no citations or brand mentions.")
	result := Diagnose(context.Background(), adapter, "best running shoes", cfg)
	if result.Status != DiagnosisInconclusive {
		t.Fatalf("expected INCONCLUSIVE, got %s (%s)", result.Status, result.Message)
	}
}

func TestDiagnoseReportsActualCost(t *testing.T) {
	cfg := testDetection(t)
	adapter := &engine.MockAdapter{
		Desc: engine.Descriptor{
			ID:              "diag",
			Kind:            engine.KindGrounded,
			InputCostPer1K:  1,
			OutputCostPer1K: 1,
		},
		Text:       "Adidas and Puma lead this market.",
		SourceURLs: []string{"https://adidas.com"},
		Delay:      time.Millisecond,
		MockUsage:  engine.Usage{PromptTokens: 100, CompletionTokens: 100},
	}
	result := Diagnose(context.Background(), adapter, "best running shoes", cfg)
	if result.Status != DiagnosisInvisible {
		t.Fatalf("expected INVISIBLE, got %s (%s)", result.Status, result.Message)
	}
	if result.CostUSD != 0.2 {
		t.Fatalf("cost should reflect measured usage, got %v", result.CostUSD)
	}
}

func TestDiagnoseErrorOnFailedQuery(t *testing.T) {
	cfg := testDetection(t)
	adapter := &engine.MockAdapter{
		Desc:        engine.Descriptor{ID: "diag", Kind: engine.KindGrounded},
		Delay:       time.Millisecond,
		FailMessage: "upstream unavailable",
	}
	result := Diagnose(context.Background(), adapter, "best running shoes", cfg)
	if result.Status != DiagnosisError {
		t.Fatalf("expected ERROR, got %s", result.Status)
	}
}
