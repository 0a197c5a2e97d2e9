package visibility

import (
	"context"
	"sync"
	"testing"
	"time"

	"brandscope/internal/engine"
)

func testDetection(t *testing.T) Config {
	t.Helper()
	cfg, err := NewConfig("https://nike.com", "Nike")
	if err != nil {
		t.Fatalf("NewConfig error: %v", err)
	}
	return cfg
}

func foundAdapter(id string) engine.Adapter {
	return &engine.MockAdapter{
		Desc:  engine.Descriptor{ID: id, Name: id, Kind: engine.KindTextMatch, CostPerCall: 0.01},
		Text:  "Nike is a popular pick for runners.",
		Delay: time.Millisecond,
	}
}

func notFoundAdapter(id string) engine.Adapter {
	return &engine.MockAdapter{
		Desc:  engine.Descriptor{ID: id, Name: id, Kind: engine.KindTextMatch, CostPerCall: 0.01},
		Text:  "Other brands dominate this category.",
		Delay: time.Millisecond,
	}
}

func TestRunMatrixAllCellsTerminal(t *testing.T) {
	spec := MatrixSpec{
		Prompts:   []string{"best running shoes", "best trail shoes"},
		Detection: testDetection(t),
		Engines:   []engine.Adapter{foundAdapter("a"), notFoundAdapter("b")},
	}
	var mu sync.Mutex
	dispatched, terminal := 0, 0
	report := RunMatrix(context.Background(), spec, NewCostTracker(5), func(cell CellResult) {
		mu.Lock()
		defer mu.Unlock()
		if cell.Result.Status == StatusTesting {
			dispatched++
		}
		if cell.Result.Status.Terminal() {
			terminal++
		}
	})
	if len(report.Cells) != 4 {
		t.Fatalf("expected 4 cells, got %d", len(report.Cells))
	}
	for _, cell := range report.Cells {
		if !cell.Result.Status.Terminal() {
			t.Fatalf("cell %s/%d not terminal: %s", cell.EngineID, cell.PromptIndex, cell.Result.Status)
		}
	}
	if dispatched != 4 || terminal != 4 {
		t.Fatalf("expected 4 testing + 4 terminal updates, got %d/%d", dispatched, terminal)
	}
	if report.Found != 2 || report.NotFound != 2 || report.Errored != 0 {
		t.Fatalf("unexpected totals: %+v", report)
	}
	if report.TotalCostUSD <= 0 {
		t.Fatalf("expected live run to accrue cost, got %v", report.TotalCostUSD)
	}
}

func TestRunMatrixBudgetRejectionIsErrorCell(t *testing.T) {
	spec := MatrixSpec{
		Prompts:     []string{"best running shoes"},
		Detection:   testDetection(t),
		Engines:     []engine.Adapter{foundAdapter("a"), foundAdapter("b")},
		Concurrency: 1,
	}
	// Budget covers exactly one call estimate.
	report := RunMatrix(context.Background(), spec, NewCostTracker(0.015), nil)
	if len(report.Cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(report.Cells))
	}
	if report.Errored != 1 {
		t.Fatalf("expected exactly one budget-errored cell, got %+v", report)
	}
	for _, cell := range report.Cells {
		if cell.Result.Status == StatusError && cell.Result.Error == "" {
			t.Fatalf("error cell must carry a message")
		}
	}
}

func TestRunMatrixMockSkipsBudget(t *testing.T) {
	spec := MatrixSpec{
		Prompts:   []string{"best running shoes"},
		Detection: testDetection(t),
		Engines:   []engine.Adapter{foundAdapter("a")},
		Mock:      true,
	}
	// A zero-limit tracker would reject any live reservation.
	report := RunMatrix(context.Background(), spec, NewCostTracker(0), nil)
	if report.Errored != 0 {
		t.Fatalf("mock run must not touch budget: %+v", report)
	}
	if report.TotalCostUSD != 0 {
		t.Fatalf("mock run must not accrue cost, got %v", report.TotalCostUSD)
	}
}

func TestRunMatrixPermanentErrorNotRetried(t *testing.T) {
	failing := &engine.MockAdapter{
		Desc:        engine.Descriptor{ID: "bad", Kind: engine.KindTextMatch, CostPerCall: 0.01},
		Delay:       time.Millisecond,
		FailMessage: "invalid api key",
	}
	spec := MatrixSpec{
		Prompts:     []string{"best running shoes"},
		Detection:   testDetection(t),
		Engines:     []engine.Adapter{failing},
		MaxAttempts: 3,
	}
	report := RunMatrix(context.Background(), spec, NewCostTracker(5), nil)
	if report.Errored != 1 {
		t.Fatalf("expected error cell, got %+v", report)
	}
	if report.Cells[0].Attempts != 1 {
		t.Fatalf("permanent failure must not retry, attempts=%d", report.Cells[0].Attempts)
	}
}

func TestRunMatrixFailedCellRefundsReservation(t *testing.T) {
	failing := &engine.MockAdapter{
		Desc:        engine.Descriptor{ID: "bad", Kind: engine.KindTextMatch, CostPerCall: 0.5},
		Delay:       time.Millisecond,
		FailMessage: "invalid api key",
	}
	tracker := NewCostTracker(1)
	RunMatrix(context.Background(), MatrixSpec{
		Prompts:   []string{"best running shoes"},
		Detection: testDetection(t),
		Engines:   []engine.Adapter{failing},
	}, tracker, nil)
	if state := tracker.Snapshot(); state.SpentUSD != 0 {
		t.Fatalf("failed call must refund its reservation, spent=%v", state.SpentUSD)
	}
}

func TestRunMatrixCanceledBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	spec := MatrixSpec{
		Prompts:   []string{"p1", "p2"},
		Detection: testDetection(t),
		Engines:   []engine.Adapter{foundAdapter("a")},
	}
	report := RunMatrix(ctx, spec, NewCostTracker(5), nil)
	if len(report.Cells) != 2 {
		t.Fatalf("canceled run must still settle every cell, got %d", len(report.Cells))
	}
	for _, cell := range report.Cells {
		if cell.Result.Status != StatusError {
			t.Fatalf("expected canceled cells to error, got %s", cell.Result.Status)
		}
	}
}
