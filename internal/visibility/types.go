package visibility

// Status is the per-cell test lifecycle. A cell is created untested,
// moves to testing when dispatched, and settles in exactly one terminal
// state. Terminal cells are never reopened; a re-test creates a new cell.
type Status string

const (
	StatusUntested Status = "untested"
	StatusTesting  Status = "testing"
	StatusFound    Status = "found"
	StatusNotFound Status = "not-found"
	StatusError    Status = "error"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusFound, StatusNotFound, StatusError:
		return true
	default:
		return false
	}
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// TestResult is one verdict for a (prompt, engine) pair. Rank is 1-based
// and only meaningful for citation matches; zero means no ordering exists.
type TestResult struct {
	Status       Status    `json:"status"`
	Rank         int       `json:"rank,omitempty"`
	Sentiment    Sentiment `json:"sentiment,omitempty"`
	Confidence   int       `json:"confidence"`
	Sources      []string  `json:"sources,omitempty"`
	AnswerText   string    `json:"answer_text,omitempty"`
	MatchedName  string    `json:"matched_name,omitempty"`
	MatchContext string    `json:"match_context,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func ErrorResult(message string) TestResult {
	return TestResult{
		Status: StatusError,
		Error:  message,
	}
}

type DiagnosisStatus string

const (
	DiagnosisInvisible    DiagnosisStatus = "INVISIBLE"
	DiagnosisFiltered     DiagnosisStatus = "FILTERED"
	DiagnosisInconclusive DiagnosisStatus = "INCONCLUSIVE"
	DiagnosisError        DiagnosisStatus = "ERROR"
)

// DiagnosisResult explains a single not-found cell. It is produced on
// demand and never mutates the TestResult it investigates.
type DiagnosisResult struct {
	Status  DiagnosisStatus `json:"status"`
	Message string          `json:"message"`
	CostUSD float64         `json:"cost_usd,omitempty"`
}

// CellResult pairs one TestResult with its matrix coordinates and the
// dispatch metadata the orchestrator observed.
type CellResult struct {
	PromptIndex int        `json:"prompt_index"`
	Prompt      string     `json:"prompt"`
	EngineID    string     `json:"engine_id"`
	EngineName  string     `json:"engine_name,omitempty"`
	Result      TestResult `json:"result"`
	LatencyMS   int64      `json:"latency_ms,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	Attempts    int        `json:"attempts,omitempty"`
}

type Report struct {
	GeneratedAt  string       `json:"generated_at"`
	TargetHost   string       `json:"target_host"`
	Cells        []CellResult `json:"cells"`
	Found        int          `json:"found"`
	NotFound     int          `json:"not_found"`
	Errored      int          `json:"errored"`
	TotalCostUSD float64      `json:"total_cost_usd"`
}

// VisibilityRate is the share of terminal non-error cells that found the
// brand, in [0,1].
func (r Report) VisibilityRate() float64 {
	tested := r.Found + r.NotFound
	if tested == 0 {
		return 0
	}
	return float64(r.Found) / float64(tested)
}

// Query is a prompt with optional classification tags used for aggregate
// coverage reporting. The orchestrator itself ignores the tags.
type Query struct {
	Prompt      string  `json:"prompt"`
	FunnelStage string  `json:"funnel_stage,omitempty"`
	Intent      string  `json:"intent,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	MatchScore  float64 `json:"match_score,omitempty"`
}
