package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"brandscope/internal/provider"
)

type providerAdapter struct {
	desc   Descriptor
	client *provider.Client
}

// NewProviderAdapter wraps one provider endpoint as an Adapter. Grounding
// is only requested for grounded engines regardless of caller options.
func NewProviderAdapter(desc Descriptor, timeout time.Duration) Adapter {
	return &providerAdapter{
		desc: desc,
		client: provider.NewClient(provider.Config{
			BaseURL: desc.BaseURL,
			APIKey:  desc.APIKey,
			Timeout: timeout,
		}),
	}
}

func (a *providerAdapter) Descriptor() Descriptor {
	return a.desc
}

func (a *providerAdapter) Invoke(ctx context.Context, prompt string, opts Options) (InvokeResult, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	req := provider.GenerateRequest{
		Model:     a.desc.Model,
		Prompt:    prompt,
		MaxTokens: maxTokens,
		Grounding: opts.Grounding && a.desc.Kind == KindGrounded,
	}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		req.Temperature = &temp
	}

	resp, raw, err := a.client.Generate(ctx, req)
	if err != nil {
		return InvokeResult{}, classifyError(err, raw)
	}

	result := InvokeResult{
		Text: resp.Text,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		LatencyMS: raw.Duration.Milliseconds(),
	}
	if a.desc.Kind == KindGrounded {
		result.Sources = make([]string, 0, len(resp.Citations))
		for _, citation := range resp.Citations {
			if citation.URL != "" {
				result.Sources = append(result.Sources, citation.URL)
			}
		}
	}
	return result, nil
}

func classifyError(err error, raw *provider.RawResponse) error {
	if apiErr, ok := provider.IsAPIError(err); ok {
		transient := apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= 500
		return &ProviderError{
			Transient: transient,
			Status:    apiErr.StatusCode,
			Message:   apiErr.Error(),
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Transient: true, Message: "request timed out: " + err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Transient: true, Message: "request deadline exceeded"}
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Transient: false, Message: "request canceled"}
	}
	status := 0
	if raw != nil {
		status = raw.StatusCode
	}
	// Non-envelope error bodies (HTML gateways, plain text) still carry a
	// meaningful status; classify by it the same way as envelope errors.
	if status >= 400 {
		transient := status == http.StatusTooManyRequests ||
			status == http.StatusRequestTimeout ||
			status >= 500
		return &ProviderError{Transient: transient, Status: status, Message: err.Error()}
	}
	// Connection resets and DNS failures are worth one more try.
	return &ProviderError{Transient: true, Status: status, Message: err.Error()}
}

// MockAdapter serves canned responses with a fixed artificial delay. Used
// for mock-mode runs, which bypass budget accounting entirely.
type MockAdapter struct {
	Desc        Descriptor
	Text        string
	SourceURLs  []string
	Delay       time.Duration
	MockUsage   Usage
	FailMessage string
}

func (m *MockAdapter) Descriptor() Descriptor {
	return m.Desc
}

func (m *MockAdapter) Invoke(ctx context.Context, prompt string, opts Options) (InvokeResult, error) {
	delay := m.Delay
	if delay <= 0 {
		delay = 150 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return InvokeResult{}, &ProviderError{Transient: false, Message: "request canceled"}
	case <-time.After(delay):
	}
	if m.FailMessage != "" {
		return InvokeResult{}, &ProviderError{Transient: false, Message: m.FailMessage}
	}
	result := InvokeResult{
		Text:      m.Text,
		Usage:     m.MockUsage,
		LatencyMS: delay.Milliseconds(),
	}
	if m.Desc.Kind == KindGrounded {
		result.Sources = append(result.Sources, m.SourceURLs...)
	}
	return result, nil
}
