package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of capability shapes an engine can expose.
// Grounded engines return citation URLs alongside the answer; text-match
// engines return answer text only.
type Kind string

const (
	KindGrounded  Kind = "grounded"
	KindTextMatch Kind = "text-match"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindGrounded:
		return KindGrounded, nil
	case KindTextMatch, "chat", "text":
		return KindTextMatch, nil
	default:
		return "", fmt.Errorf("unknown engine kind %q", raw)
	}
}

// Descriptor is the immutable per-engine configuration loaded at startup.
type Descriptor struct {
	ID              string  `json:"id" yaml:"id"`
	Name            string  `json:"name" yaml:"name"`
	Provider        string  `json:"provider" yaml:"provider"`
	Kind            Kind    `json:"kind" yaml:"kind"`
	Model           string  `json:"model" yaml:"model"`
	BaseURL         string  `json:"base_url,omitempty" yaml:"base_url"`
	APIKey          string  `json:"-" yaml:"api_key"`
	CostPerCall     float64 `json:"cost_per_call" yaml:"cost_per_call"`
	InputCostPer1K  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
}

// CallEstimateUSD is the pre-dispatch cost estimate used for budget
// reservations before true token usage is known.
func (d Descriptor) CallEstimateUSD() float64 {
	if d.CostPerCall > 0 {
		return d.CostPerCall
	}
	// Assume a mid-size exchange when only token rates are declared.
	return d.InputCostPer1K*0.5 + d.OutputCostPer1K*0.5
}

// ActualCostUSD converts measured token usage into spend. Falls back to
// the flat per-call rate when no token rates are configured.
func (d Descriptor) ActualCostUSD(usage Usage) float64 {
	if d.InputCostPer1K <= 0 && d.OutputCostPer1K <= 0 {
		return d.CostPerCall
	}
	input := float64(usage.PromptTokens) / 1000 * d.InputCostPer1K
	output := float64(usage.CompletionTokens) / 1000 * d.OutputCostPer1K
	return input + output
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

type Options struct {
	MaxTokens   int
	Temperature float64
	Grounding   bool
}

// InvokeResult is the normalized response every adapter produces.
// Sources preserve the provider's citation order; that order doubles as
// the rank ordering downstream.
type InvokeResult struct {
	Text      string
	Sources   []string
	Usage     Usage
	LatencyMS int64
}

// Adapter is the single call boundary to one engine. Implementations
// must not retry internally.
type Adapter interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, prompt string, opts Options) (InvokeResult, error)
}

// ProviderError classifies an adapter failure. Transient failures
// (timeouts, rate limits, 5xx) are eligible for retry by the caller.
type ProviderError struct {
	Transient bool
	Status    int
	Message   string
}

func (e *ProviderError) Error() string {
	mode := "permanent"
	if e.Transient {
		mode = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", mode, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", mode, e.Message)
}

func IsTransient(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Transient
	}
	return false
}

// Registry holds the configured adapters keyed by engine id, preserving
// declaration order for deterministic iteration.
type Registry struct {
	order    []string
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Add(adapter Adapter) error {
	id := strings.TrimSpace(adapter.Descriptor().ID)
	if id == "" {
		return errors.New("engine id is required")
	}
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("duplicate engine id %q", id)
	}
	r.order = append(r.order, id)
	r.adapters[id] = adapter
	return nil
}

func (r *Registry) Get(id string) (Adapter, bool) {
	adapter, ok := r.adapters[strings.TrimSpace(id)]
	return adapter, ok
}

func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id].Descriptor())
	}
	return out
}

// Select resolves the requested ids in request order, failing on unknown ids.
func (r *Registry) Select(ids []string) ([]Adapter, error) {
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		adapter, ok := r.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown engine id %q", id)
		}
		out = append(out, adapter)
	}
	return out, nil
}
