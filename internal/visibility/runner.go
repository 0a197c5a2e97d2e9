package visibility

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"brandscope/internal/engine"
)

// MatrixSpec describes one visibility test run: the prompt set, the
// engines under test, and the dispatch limits.
type MatrixSpec struct {
	Prompts     []string
	Detection   Config
	Engines     []engine.Adapter
	Concurrency int
	CallTimeout time.Duration
	MaxAttempts int
	MaxTokens   int
	Temperature float64
	// Mock runs bypass budget accounting entirely.
	Mock bool
}

func (s MatrixSpec) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	// Small multiple of the engine count, capped so a large prompt set
	// cannot flood providers.
	n := 2 * len(s.Engines)
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (s MatrixSpec) callTimeout() time.Duration {
	if s.CallTimeout > 0 {
		return s.CallTimeout
	}
	return 60 * time.Second
}

func (s MatrixSpec) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}

// RunMatrix fans the P×E cell set out to a bounded worker pool. onUpdate,
// if non-nil, observes every cell transition as it happens: once with
// status testing at dispatch, once with the terminal result. Calls are
// serialized, in completion order.
//
// Cancelling ctx stops dispatch of new cells; cells already in flight
// finish their current attempt and their results are still delivered.
// The returned report always covers every cell in a terminal state.
func RunMatrix(ctx context.Context, spec MatrixSpec, tracker *CostTracker, onUpdate func(CellResult)) Report {
	type job struct {
		promptIndex int
		engineIndex int
	}

	jobs := make([]job, 0, len(spec.Prompts)*len(spec.Engines))
	for p := range spec.Prompts {
		for e := range spec.Engines {
			jobs = append(jobs, job{promptIndex: p, engineIndex: e})
		}
	}

	var mu sync.Mutex
	cells := make([]CellResult, 0, len(jobs))
	emit := func(cell CellResult) {
		mu.Lock()
		defer mu.Unlock()
		if cell.Result.Status.Terminal() {
			cells = append(cells, cell)
		}
		if onUpdate != nil {
			onUpdate(cell)
		}
	}

	queue := make(chan job)
	var wg sync.WaitGroup
	workers := spec.concurrency()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				runCell(ctx, spec, tracker, item.promptIndex, item.engineIndex, emit)
			}
		}()
	}

	for _, item := range jobs {
		if ctx.Err() != nil {
			// Undispatched cells settle as canceled; in-flight workers
			// still finish and settle their own cells.
			emit(cancelledCell(spec, item.promptIndex, item.engineIndex))
			continue
		}
		select {
		case <-ctx.Done():
			emit(cancelledCell(spec, item.promptIndex, item.engineIndex))
		case queue <- item:
		}
	}
	close(queue)
	wg.Wait()

	return buildReport(spec, cells)
}

func cancelledCell(spec MatrixSpec, promptIndex, engineIndex int) CellResult {
	desc := spec.Engines[engineIndex].Descriptor()
	return CellResult{
		PromptIndex: promptIndex,
		Prompt:      spec.Prompts[promptIndex],
		EngineID:    desc.ID,
		EngineName:  desc.Name,
		Result:      ErrorResult("run canceled before dispatch"),
	}
}

func runCell(ctx context.Context, spec MatrixSpec, tracker *CostTracker, promptIndex, engineIndex int, emit func(CellResult)) {
	adapter := spec.Engines[engineIndex]
	desc := adapter.Descriptor()
	prompt := spec.Prompts[promptIndex]
	cell := CellResult{
		PromptIndex: promptIndex,
		Prompt:      prompt,
		EngineID:    desc.ID,
		EngineName:  desc.Name,
		Result:      TestResult{Status: StatusTesting},
	}
	emit(cell)

	var reservation *Reservation
	if !spec.Mock && tracker != nil {
		var err error
		reservation, err = tracker.Reserve(desc.CallEstimateUSD())
		if err != nil {
			cell.Result = ErrorResult("budget exceeded: reservation rejected")
			emit(cell)
			return
		}
	}

	opts := engine.Options{
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		Grounding:   desc.Kind == engine.KindGrounded,
	}
	attempts := 0
	operation := func() (engine.InvokeResult, error) {
		attempts++
		// The attempt itself survives run cancellation so in-flight work
		// can finish; only the retry loop observes ctx.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spec.callTimeout())
		defer cancel()
		response, err := adapter.Invoke(callCtx, prompt, opts)
		if err != nil && !engine.IsTransient(err) {
			return engine.InvokeResult{}, backoff.Permanent(err)
		}
		return response, err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 400 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	response, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(spec.maxAttempts())),
	)
	cell.Attempts = attempts
	if err != nil {
		reservation.Release()
		cell.Result = ErrorResult(err.Error())
		emit(cell)
		return
	}

	cell.Result = Evaluate(spec.Detection, desc.Kind, response)
	cell.LatencyMS = response.LatencyMS
	if !spec.Mock {
		cell.CostUSD = desc.ActualCostUSD(response.Usage)
		reservation.Commit(cell.CostUSD)
	}
	emit(cell)
}

func buildReport(spec MatrixSpec, cells []CellResult) Report {
	report := Report{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		TargetHost:  spec.Detection.TargetHost,
		Cells:       cells,
	}
	for _, cell := range cells {
		switch cell.Result.Status {
		case StatusFound:
			report.Found++
		case StatusNotFound:
			report.NotFound++
		default:
			report.Errored++
		}
		report.TotalCostUSD += cell.CostUSD
	}
	return report
}
