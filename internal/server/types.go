package server

import (
	"time"

	"brandscope/internal/visibility"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RunRequest is the validated request boundary for one visibility test.
type RunRequest struct {
	Prompts      []string `json:"prompts"`
	TargetURL    string   `json:"target_url"`
	BrandName    string   `json:"brand_name,omitempty"`
	Variants     []string `json:"variants,omitempty"`
	EngineIDs    []string `json:"engines"`
	BudgetCapUSD float64  `json:"budget_cap,omitempty"`
	TimeoutSec   int      `json:"timeout_sec,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
	Mock         bool     `json:"mock,omitempty"`
}

// QuickRunRequest is the reduced public boundary: one prompt, default
// engines, always served from canned mock data.
type QuickRunRequest struct {
	Prompt    string `json:"prompt"`
	TargetURL string `json:"target_url"`
	BrandName string `json:"brand_name,omitempty"`
}

type DiagnoseRequest struct {
	Prompt    string   `json:"prompt"`
	TargetURL string   `json:"target_url"`
	BrandName string   `json:"brand_name,omitempty"`
	Variants  []string `json:"variants,omitempty"`
	EngineID  string   `json:"engine"`
}

type CouncilRequest struct {
	Prompt     string   `json:"prompt"`
	TargetURL  string   `json:"target_url"`
	BrandName  string   `json:"brand_name,omitempty"`
	Variants   []string `json:"variants,omitempty"`
	EngineIDs  []string `json:"engines"`
	JudgeID    string   `json:"judge"`
	Synthesize bool     `json:"synthesize,omitempty"`
}

type RunSummary struct {
	Cells             int     `json:"cells"`
	Found             int     `json:"found"`
	NotFound          int     `json:"not_found"`
	Errored           int     `json:"errored"`
	VisibilityRate    float64 `json:"visibility_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}

type RunMeta struct {
	RunID        string                  `json:"run_id"`
	Status       string                  `json:"status"`
	CreatorType  string                  `json:"creator_type"`
	CreatorSub   string                  `json:"creator_sub,omitempty"`
	Source       string                  `json:"source"`
	Request      RunRequest              `json:"request"`
	StartedAt    string                  `json:"started_at,omitempty"`
	FinishedAt   string                  `json:"finished_at,omitempty"`
	CreatedAt    string                  `json:"created_at"`
	Error        string                  `json:"error,omitempty"`
	Cells        []visibility.CellResult `json:"cells,omitempty"`
	Summary      RunSummary              `json:"summary"`
	TotalCostUSD float64                 `json:"total_cost_usd"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt       string  `json:"generated_at"`
	TotalRuns         int     `json:"total_runs"`
	RunningRuns       int     `json:"running_runs"`
	CompletedRuns     int     `json:"completed_runs"`
	FailedRuns        int     `json:"failed_runs"`
	CellsFound        int     `json:"cells_found"`
	CellsNotFound     int     `json:"cells_not_found"`
	CellsErrored      int     `json:"cells_errored"`
	AverageVisibility float64 `json:"average_visibility"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

func summarizeCells(cells []visibility.CellResult) RunSummary {
	summary := RunSummary{Cells: len(cells)}
	confidenceTotal := 0
	for _, cell := range cells {
		switch cell.Result.Status {
		case visibility.StatusFound:
			summary.Found++
		case visibility.StatusNotFound:
			summary.NotFound++
		default:
			summary.Errored++
		}
		confidenceTotal += cell.Result.Confidence
	}
	if tested := summary.Found + summary.NotFound; tested > 0 {
		summary.VisibilityRate = float64(summary.Found) / float64(tested)
	}
	if len(cells) > 0 {
		summary.AverageConfidence = float64(confidenceTotal) / float64(len(cells))
	}
	return summary
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
