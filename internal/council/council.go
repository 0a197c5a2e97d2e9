// Package council runs the multi-engine consensus workflow: every member
// engine answers the same prompt, a designated judge ranks the answers
// across a fixed rubric, and the rankings reduce to a stable order with
// an agreement score per engine.
package council

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"brandscope/internal/engine"
	"brandscope/internal/visibility"
)

// DefaultRubric is the fixed set of judging criteria. It is deliberately
// a configuration constant, never user-supplied.
var DefaultRubric = []string{"accuracy", "relevance", "completeness"}

type Config struct {
	JudgeID     string
	Rubric      []string
	Synthesize  bool
	MaxTokens   int
	CallTimeout time.Duration
}

func (c Config) rubric() []string {
	if len(c.Rubric) > 0 {
		return c.Rubric
	}
	return DefaultRubric
}

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 1024
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return 60 * time.Second
}

// EngineResponse is one member's answer, with the same detection verdict
// the orchestrator would compute for it.
type EngineResponse struct {
	EngineID         string                `json:"engine_id"`
	EngineName       string                `json:"engine_name,omitempty"`
	Content          string                `json:"content,omitempty"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalTokens      int                   `json:"total_tokens"`
	LatencyMS        int64                 `json:"latency_ms"`
	CostUSD          float64               `json:"cost_usd"`
	Detection        visibility.TestResult `json:"detection"`
	Error            string                `json:"error,omitempty"`
}

type Outcome struct {
	Responses          []EngineResponse `json:"responses"`
	Rankings           []Ranking        `json:"rankings"`
	WinnerID           string           `json:"winner_id"`
	SynthesizedContent string           `json:"synthesized_content,omitempty"`
}

// Run executes the full council flow. members must hold at least two
// engines and the judge must be one of them. The judge call is an
// explicit second phase: it needs every member answer to exist first.
func Run(ctx context.Context, prompt string, members []engine.Adapter, detection visibility.Config, cfg Config) (Outcome, error) {
	if len(members) < 2 {
		return Outcome{}, errors.New("council needs at least two engines")
	}
	judge, err := findJudge(members, cfg.JudgeID)
	if err != nil {
		return Outcome{}, err
	}

	responses := collectResponses(ctx, prompt, members, detection, cfg)

	answered := make([]EngineResponse, 0, len(responses))
	for _, response := range responses {
		if response.Error == "" {
			answered = append(answered, response)
		}
	}
	if len(answered) < 2 {
		return Outcome{Responses: responses}, errors.New("not enough successful responses to judge")
	}

	criteria, err := judgeRankings(ctx, judge, prompt, answered, cfg)
	if err != nil {
		return Outcome{Responses: responses}, fmt.Errorf("judge ranking failed: %w", err)
	}

	order := make([]string, 0, len(answered))
	for _, response := range answered {
		order = append(order, response.EngineID)
	}
	rankings := Reduce(criteria, order)
	outcome := Outcome{
		Responses: responses,
		Rankings:  rankings,
		WinnerID:  rankings[0].EngineID,
	}

	if cfg.Synthesize {
		content, synthErr := synthesize(ctx, judge, prompt, answered, rankings, cfg)
		if synthErr == nil {
			outcome.SynthesizedContent = content
		}
		// Synthesis is best-effort; the ranked outcome stands without it.
	}
	return outcome, nil
}

func findJudge(members []engine.Adapter, judgeID string) (engine.Adapter, error) {
	judgeID = strings.TrimSpace(judgeID)
	if judgeID == "" {
		return nil, errors.New("judge engine id is required")
	}
	for _, member := range members {
		if member.Descriptor().ID == judgeID {
			return member, nil
		}
	}
	return nil, fmt.Errorf("judge %q is not a council member", judgeID)
}

// collectResponses is the 1×E fan-out phase. Individual failures become
// per-engine error entries, never a run-level fault.
func collectResponses(ctx context.Context, prompt string, members []engine.Adapter, detection visibility.Config, cfg Config) []EngineResponse {
	responses := make([]EngineResponse, len(members))
	var group errgroup.Group
	group.SetLimit(len(members))
	for i, member := range members {
		group.Go(func() error {
			desc := member.Descriptor()
			entry := EngineResponse{
				EngineID:   desc.ID,
				EngineName: desc.Name,
			}
			callCtx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
			defer cancel()
			response, err := member.Invoke(callCtx, prompt, engine.Options{
				MaxTokens: cfg.maxTokens(),
				Grounding: desc.Kind == engine.KindGrounded,
			})
			if err != nil {
				entry.Error = err.Error()
				responses[i] = entry
				return nil
			}
			entry.Content = response.Text
			entry.PromptTokens = response.Usage.PromptTokens
			entry.CompletionTokens = response.Usage.CompletionTokens
			entry.TotalTokens = response.Usage.Total()
			entry.LatencyMS = response.LatencyMS
			entry.CostUSD = desc.ActualCostUSD(response.Usage)
			entry.Detection = visibility.Evaluate(detection, desc.Kind, response)
			responses[i] = entry
			return nil
		})
	}
	_ = group.Wait()
	return responses
}

func judgeRankings(ctx context.Context, judge engine.Adapter, prompt string, answered []EngineResponse, cfg Config) ([]CriterionRanks, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are judging answers to this question:\n%s\n\n", prompt)
	for _, response := range answered {
		fmt.Fprintf(&sb, "--- answer from %q ---\n%s\n\n", response.EngineID, response.Content)
	}
	rubric := cfg.rubric()
	fmt.Fprintf(&sb, "Rank every answer on each criterion: %s.\n", strings.Join(rubric, ", "))
	sb.WriteString("Rank 1 is best; ties are allowed. Respond with ONLY this JSON, no prose:\n")
	sb.WriteString(`{"criteria":[{"criterion":"<name>","ranks":{"<engine id>":<rank>}}]}`)

	callCtx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	defer cancel()
	reply, err := judge.Invoke(callCtx, sb.String(), engine.Options{
		MaxTokens: cfg.maxTokens(),
	})
	if err != nil {
		return nil, err
	}
	return ParseJudgeRanks(reply.Text)
}

func synthesize(ctx context.Context, judge engine.Adapter, prompt string, answered []EngineResponse, rankings []Ranking, cfg Config) (string, error) {
	byID := map[string]EngineResponse{}
	for _, response := range answered {
		byID[response.EngineID] = response
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question:\n%s\n\n", prompt)
	sb.WriteString("Combine the strongest elements of these answers, best-ranked first, into a single improved answer. Reply with the answer only.\n\n")
	limit := 3
	for _, ranking := range rankings {
		if limit == 0 {
			break
		}
		response, ok := byID[ranking.EngineID]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "--- rank %d ---\n%s\n\n", ranking.FinalRank, response.Content)
		limit--
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	defer cancel()
	reply, err := judge.Invoke(callCtx, sb.String(), engine.Options{
		MaxTokens: cfg.maxTokens(),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Text), nil
}
