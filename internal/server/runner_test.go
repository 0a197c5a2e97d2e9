package server

import (
	"context"
	"errors"
	"testing"

	"brandscope/internal/engine"
)

func newTestManager(t *testing.T, cfg ServerConfig) (*RunManager, *MemoryFileStore) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	engines, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	manager := NewRunManager(cfg, store, engines, nil)
	t.Cleanup(manager.Shutdown)
	return manager, store
}

func TestDiagnoseCommitsActualCost(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Engines = []engine.Descriptor{{
		ID:              "offline",
		Kind:            engine.KindGrounded,
		Provider:        "mock",
		InputCostPer1K:  1,
		OutputCostPer1K: 1,
	}}
	manager, _ := newTestManager(t, cfg)

	result, err := manager.Diagnose(context.Background(), DiagnoseRequest{
		Prompt:    "best running shoes",
		TargetURL: "https://nike.com",
		EngineID:  "offline",
	})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	// The canned adapter reports zero token usage, so the ledger must
	// settle at the measured cost, not the pre-dispatch estimate.
	state := manager.CostState()
	if state.SpentUSD != result.CostUSD {
		t.Fatalf("spent %v, want committed actual cost %v", state.SpentUSD, result.CostUSD)
	}
	if estimate := cfg.Engines[0].CallEstimateUSD(); state.SpentUSD >= estimate {
		t.Fatalf("spent %v should stay below the %v estimate", state.SpentUSD, estimate)
	}
}

func TestCreateQuickRunRateLimitSentinel(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Engines = []engine.Descriptor{{ID: "offline", Kind: engine.KindGrounded, Provider: "mock"}}
	cfg.Limits.QuickRunRPM = 1
	manager, _ := newTestManager(t, cfg)

	request := QuickRunRequest{Prompt: "best running shoes", TargetURL: "https://nike.com"}
	if _, err := manager.CreateQuickRun(request, "ip1", "ua1"); err != nil {
		t.Fatalf("first quick run: %v", err)
	}
	_, err := manager.CreateQuickRun(request, "ip1", "ua1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second quick run should hit the rate limiter, got %v", err)
	}

	_, err = manager.CreateQuickRun(QuickRunRequest{TargetURL: "https://nike.com"}, "ip2", "ua2")
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Fatalf("missing prompt should be a validation error, got %v", err)
	}
}
