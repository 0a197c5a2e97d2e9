package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"brandscope/internal/council"
	"brandscope/internal/engine"
	"brandscope/internal/visibility"
)

// ErrRateLimited marks public quick-run rejections caused by the IP
// rate limiter, as opposed to invalid input.
var ErrRateLimited = errors.New("quick run rate limit reached")

// RunManager owns the run queue, the engine registry, and the
// service-level cost ledger. Each queued run executes on one of a fixed
// set of workers; within a run the cell matrix fans out to its own
// bounded pool.
type RunManager struct {
	cfg        ServerConfig
	store      Store
	obs        *Observability
	engines    *engine.Registry
	session    *visibility.CostTracker
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickRun(request QuickRunRequest, ipHash, uaHash string) (RunMeta, error)
	Diagnose(ctx context.Context, request DiagnoseRequest) (visibility.DiagnosisResult, error)
	RunCouncil(ctx context.Context, request CouncilRequest) (council.Outcome, error)
	CostState() visibility.CostState
	Engines() []engine.Descriptor
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, engines *engine.Registry, obs *Observability) *RunManager {
	maxParallel := cfg.Budget.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		obs:        obs,
		engines:    engines,
		session:    visibility.NewCostTracker(cfg.Budget.SessionLimitUSD),
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickRunRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

// CostState is the read-only ledger snapshot exposed to callers.
func (m *RunManager) CostState() visibility.CostState {
	return m.session.Snapshot()
}

func (m *RunManager) Engines() []engine.Descriptor {
	return m.engines.Descriptors()
}

func (m *RunManager) CreateRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	if err := m.validateRunRequest(&request); err != nil {
		return RunMeta{}, err
	}
	runID := newRunID()
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: principalType(principal),
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source":  source,
		"cells":   len(request.Prompts) * len(request.EngineIDs),
		"engines": request.EngineIDs,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: meta.CreatorType,
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     request,
		Creator:     principal,
		CreatorType: meta.CreatorType,
		Source:      source,
	}
	return meta, nil
}

// CreateQuickRun serves the public try-it path: rate limited by hashed
// IP and always mock, so anonymous traffic can never spend budget.
func (m *RunManager) CreateQuickRun(request QuickRunRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkBudgetBlocked(context.Background(), "quick_run_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_run.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, ErrRateLimited
	}
	if strings.TrimSpace(request.Prompt) == "" {
		return RunMeta{}, errors.New("prompt is required")
	}
	runRequest := RunRequest{
		Prompts:   []string{request.Prompt},
		TargetURL: request.TargetURL,
		BrandName: request.BrandName,
		EngineIDs: m.engines.IDs(),
		Mock:      true,
	}
	if err := m.validateRunRequest(&runRequest); err != nil {
		return RunMeta{}, err
	}
	runID := newRunID()
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_run",
		CreatorType: "user",
		Request:     runRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick run queued", nil)
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_run.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_run",
	}
	return meta, nil
}

func (m *RunManager) validateRunRequest(request *RunRequest) error {
	prompts := make([]string, 0, len(request.Prompts))
	for _, prompt := range request.Prompts {
		if p := strings.TrimSpace(prompt); p != "" {
			prompts = append(prompts, p)
		}
	}
	if len(prompts) == 0 {
		return errors.New("at least one prompt is required")
	}
	request.Prompts = prompts
	if _, err := visibility.NewConfig(request.TargetURL, request.BrandName); err != nil {
		return fmt.Errorf("invalid target_url: %w", err)
	}
	if len(request.EngineIDs) == 0 {
		request.EngineIDs = m.engines.IDs()
	}
	if len(request.EngineIDs) == 0 {
		return errors.New("no engines configured")
	}
	if _, err := m.engines.Select(request.EngineIDs); err != nil {
		return err
	}
	if request.BudgetCapUSD <= 0 {
		request.BudgetCapUSD = m.cfg.Budget.DefaultRunCapUSD
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Budget.DefaultTimeoutSec
	}
	if request.Concurrency <= 0 {
		request.Concurrency = m.cfg.Budget.CellConcurrency
	}
	return nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	detection := m.detectionConfig(queued.Request.TargetURL, queued.Request.BrandName, queued.Request.Variants)

	var sessionReservation *visibility.Reservation
	var runTracker *visibility.CostTracker
	if !queued.Request.Mock {
		// The run cap is claimed from the service ledger up front and
		// corrected to actual spend when the run settles.
		var err error
		sessionReservation, err = m.session.Reserve(queued.Request.BudgetCapUSD)
		if err != nil {
			m.failRun(queued.RunID, "session budget exceeded: "+err.Error())
			if m.obs != nil {
				m.obs.MarkBudgetBlocked(context.Background(), "session_limit")
				m.obs.MarkRun(context.Background(), "failed")
			}
			return
		}
		runTracker = visibility.NewCostTracker(queued.Request.BudgetCapUSD)
	}

	adapters, err := m.adaptersForRun(queued.Request, detection)
	if err != nil {
		sessionReservation.Release()
		m.failRun(queued.RunID, err.Error())
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), "failed")
		}
		return
	}

	ctx, cancel := withTimeout(context.Background(), time.Duration(queued.Request.TimeoutSec)*time.Second)
	defer cancel()

	spec := visibility.MatrixSpec{
		Prompts:     queued.Request.Prompts,
		Detection:   detection,
		Engines:     adapters,
		Concurrency: queued.Request.Concurrency,
		MaxAttempts: m.cfg.Budget.MaxCallAttempts,
		Mock:        queued.Request.Mock,
	}
	report := visibility.RunMatrix(ctx, spec, runTracker, func(cell visibility.CellResult) {
		m.emitCell(ctx, queued.RunID, cell)
	})
	sessionReservation.Commit(report.TotalCostUSD)

	summary := summarizeCells(report.Cells)
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "completed"
		meta.FinishedAt = nowRFC3339()
		meta.Cells = report.Cells
		meta.Summary = summary
		meta.TotalCostUSD = report.TotalCostUSD
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "run completed", map[string]any{
		"found":      summary.Found,
		"not_found":  summary.NotFound,
		"errored":    summary.Errored,
		"total_cost": report.TotalCostUSD,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    "completed",
		Detail:    fmt.Sprintf("found=%d cost=%.4f", summary.Found, report.TotalCostUSD),
	})
	if m.obs != nil {
		m.obs.MarkRun(ctx, "completed")
	}
}

func (m *RunManager) emitCell(ctx context.Context, runID string, cell visibility.CellResult) {
	stage := "cell_result"
	message := string(cell.Result.Status)
	if !cell.Result.Status.Terminal() {
		stage = "cell_testing"
		message = "cell dispatched"
	}
	_, _ = m.store.AppendRunEvent(runID, stage, message, map[string]any{
		"prompt_index": cell.PromptIndex,
		"engine":       cell.EngineID,
		"cell":         cell,
	})
	if m.obs != nil && cell.Result.Status.Terminal() {
		m.obs.MarkCell(ctx, cell.EngineID, string(cell.Result.Status))
		if cell.LatencyMS > 0 {
			m.obs.MarkEngineCall(ctx, cell.EngineID, cell.LatencyMS)
		}
	}
}

func (m *RunManager) failRun(runID, message string) {
	_, _ = m.store.UpdateRun(runID, func(meta *RunMeta) {
		meta.Status = "failed"
		meta.Error = message
		meta.FinishedAt = nowRFC3339()
	})
	_, _ = m.store.AppendRunEvent(runID, "error", message, nil)
}

func (m *RunManager) detectionConfig(targetURL, brandName string, variants []string) visibility.Config {
	detection, _ := visibility.NewConfig(targetURL, brandName, variants...)
	detection.ContextWindow = m.cfg.Detection.ContextWindow
	detection.AnswerTextCap = m.cfg.Detection.AnswerTextCap
	detection.PositiveWords = m.cfg.Detection.PositiveWords
	detection.NegativeWords = m.cfg.Detection.NegativeWords
	return detection
}

func (m *RunManager) adaptersForRun(request RunRequest, detection visibility.Config) ([]engine.Adapter, error) {
	if request.Mock {
		selected, err := m.engines.Select(request.EngineIDs)
		if err != nil {
			return nil, err
		}
		return mockAdaptersFor(selected, detection), nil
	}
	return m.engines.Select(request.EngineIDs)
}

// Diagnose investigates one not-found (prompt, engine) pair on demand.
func (m *RunManager) Diagnose(ctx context.Context, request DiagnoseRequest) (visibility.DiagnosisResult, error) {
	if strings.TrimSpace(request.Prompt) == "" {
		return visibility.DiagnosisResult{}, errors.New("prompt is required")
	}
	adapter, ok := m.engines.Get(request.EngineID)
	if !ok {
		return visibility.DiagnosisResult{}, fmt.Errorf("unknown engine id %q", request.EngineID)
	}
	detection, err := visibility.NewConfig(request.TargetURL, request.BrandName, request.Variants...)
	if err != nil {
		return visibility.DiagnosisResult{}, fmt.Errorf("invalid target_url: %w", err)
	}
	estimate := adapter.Descriptor().CallEstimateUSD()
	reservation, err := m.session.Reserve(estimate)
	if err != nil {
		return visibility.DiagnosisResult{}, fmt.Errorf("session budget exceeded: %w", err)
	}
	result := visibility.Diagnose(ctx, adapter, request.Prompt, detection)
	if result.Status == visibility.DiagnosisError {
		reservation.Release()
	} else {
		reservation.Commit(result.CostUSD)
	}
	return result, nil
}

// RunCouncil executes the consensus workflow synchronously. The full
// fan-out plus judge (plus optional synthesis) is claimed from the
// session ledger as one reservation.
func (m *RunManager) RunCouncil(ctx context.Context, request CouncilRequest) (council.Outcome, error) {
	if len(request.EngineIDs) < 2 {
		return council.Outcome{}, errors.New("council needs at least two engines")
	}
	members, err := m.engines.Select(request.EngineIDs)
	if err != nil {
		return council.Outcome{}, err
	}
	detection, err := visibility.NewConfig(request.TargetURL, request.BrandName, request.Variants...)
	if err != nil {
		return council.Outcome{}, fmt.Errorf("invalid target_url: %w", err)
	}

	estimate := 0.0
	for _, member := range members {
		estimate += member.Descriptor().CallEstimateUSD()
	}
	judgeCalls := 1
	if request.Synthesize {
		judgeCalls = 2
	}
	if judge, ok := m.engines.Get(request.JudgeID); ok {
		estimate += float64(judgeCalls) * judge.Descriptor().CallEstimateUSD()
	}
	reservation, err := m.session.Reserve(estimate)
	if err != nil {
		return council.Outcome{}, fmt.Errorf("session budget exceeded: %w", err)
	}

	outcome, err := council.Run(ctx, request.Prompt, members, detection, council.Config{
		JudgeID:    request.JudgeID,
		Rubric:     m.cfg.Council.Rubric,
		Synthesize: request.Synthesize,
		MaxTokens:  m.cfg.Council.MaxTokens,
	})
	actual := 0.0
	for _, response := range outcome.Responses {
		actual += response.CostUSD
	}
	reservation.Commit(actual)
	if err != nil {
		return outcome, err
	}
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ActorType: "user",
		Action:    "council.run",
		Result:    "completed",
		Detail:    fmt.Sprintf("winner=%s engines=%d", outcome.WinnerID, len(request.EngineIDs)),
	})
	return outcome, nil
}

func principalType(principal Principal) string {
	if principal.Role == "admin" {
		return "admin"
	}
	return "user"
}

func newRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := filterRecentTime(l.records[key], cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	l.records[key] = append(items, now)
	return true
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
