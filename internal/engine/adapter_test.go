package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"brandscope/internal/provider"
)

func TestClassifyErrorAPIStatus(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		apiErr := &provider.APIError{StatusCode: tc.status}
		classified := classifyError(apiErr, nil)
		if IsTransient(classified) != tc.transient {
			t.Fatalf("status %d: transient = %v, want %v", tc.status, IsTransient(classified), tc.transient)
		}
	}
}

func TestClassifyErrorNonEnvelopeStatus(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		raw := &provider.RawResponse{StatusCode: tc.status}
		classified := classifyError(errors.New("api status: <html>oops</html>"), raw)
		if IsTransient(classified) != tc.transient {
			t.Fatalf("status %d without envelope: transient = %v, want %v",
				tc.status, IsTransient(classified), tc.transient)
		}
	}
}

func TestClassifyErrorContext(t *testing.T) {
	if !IsTransient(classifyError(context.DeadlineExceeded, nil)) {
		t.Fatalf("deadline exceeded should be transient")
	}
	if IsTransient(classifyError(context.Canceled, nil)) {
		t.Fatalf("cancellation must not be retried")
	}
	if !IsTransient(classifyError(errors.New("connection reset by peer"), nil)) {
		t.Fatalf("generic network failure should be transient")
	}
}

func TestProviderAdapterGroundedCitations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req provider.GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Grounding {
			t.Errorf("grounded engine must request grounding")
		}
		_ = json.NewEncoder(w).Encode(provider.GenerateResponse{
			Text: "Nike tops the list.",
			Citations: []provider.Citation{
				{URL: "https://nike.com"},
				{URL: ""},
				{URL: "https://adidas.com"},
			},
			Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 20},
		})
	}))
	defer server.Close()

	adapter := NewProviderAdapter(Descriptor{
		ID:      "g1",
		Kind:    KindGrounded,
		Model:   "search-pro",
		BaseURL: server.URL,
	}, 5*time.Second)

	result, err := adapter.Invoke(context.Background(), "best shoes", Options{Grounding: true})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if len(result.Sources) != 2 {
		t.Fatalf("expected empty citation URLs dropped, got %v", result.Sources)
	}
	if result.Usage.Total() != 30 {
		t.Fatalf("usage not propagated: %+v", result.Usage)
	}
}

func TestProviderAdapterTextMatchIgnoresCitations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req provider.GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Grounding {
			t.Errorf("text-match engine must never request grounding")
		}
		_ = json.NewEncoder(w).Encode(provider.GenerateResponse{
			Text:      "Nike tops the list.",
			Citations: []provider.Citation{{URL: "https://nike.com"}},
		})
	}))
	defer server.Close()

	adapter := NewProviderAdapter(Descriptor{
		ID:      "t1",
		Kind:    KindTextMatch,
		Model:   "chat-basic",
		BaseURL: server.URL,
	}, 5*time.Second)

	result, err := adapter.Invoke(context.Background(), "best shoes", Options{Grounding: true})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if len(result.Sources) != 0 {
		t.Fatalf("text-match adapter must not surface citations, got %v", result.Sources)
	}
}

func TestProviderAdapterClassifiesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit","message":"slow down"}}`))
	}))
	defer server.Close()

	adapter := NewProviderAdapter(Descriptor{ID: "t1", Kind: KindTextMatch, BaseURL: server.URL}, 5*time.Second)
	_, err := adapter.Invoke(context.Background(), "q", Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("rate limit should classify transient: %v", err)
	}
}

func TestProviderAdapterHTMLErrorBodyIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<html>not found</html>`))
	}))
	defer server.Close()

	adapter := NewProviderAdapter(Descriptor{ID: "t1", Kind: KindTextMatch, BaseURL: server.URL}, 5*time.Second)
	_, err := adapter.Invoke(context.Background(), "q", Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("404 with non-envelope body must not be retried: %v", err)
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Status != http.StatusNotFound {
		t.Fatalf("status not carried through: %v", err)
	}
}

func TestMockAdapterFailureAndCancel(t *testing.T) {
	failing := &MockAdapter{
		Desc:        Descriptor{ID: "m"},
		Delay:       time.Millisecond,
		FailMessage: "canned failure",
	}
	if _, err := failing.Invoke(context.Background(), "q", Options{}); err == nil {
		t.Fatalf("expected canned failure")
	}

	slow := &MockAdapter{Desc: Descriptor{ID: "m"}, Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := slow.Invoke(ctx, "q", Options{}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
