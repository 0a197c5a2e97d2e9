package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("missing content type, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			ID:    "gen_1",
			Text:  "hello",
			Usage: Usage{PromptTokens: 5, CompletionTokens: 7},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/", APIKey: "test-key", Timeout: 5 * time.Second})
	resp, raw, err := client.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "hi", MaxTokens: 64})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if resp.Text != "hello" || resp.Usage.Total() != 12 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if raw.StatusCode != http.StatusOK || raw.Duration <= 0 {
		t.Fatalf("raw metadata not captured: %+v", raw)
	}
}

func TestClientGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request","message":"bad model"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, _, err := client.Generate(context.Background(), GenerateRequest{Model: "m", Prompt: "hi"})
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Envelope.Error.Type != "invalid_request" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestParseAPIErrorEnvelope(t *testing.T) {
	if _, ok := ParseAPIErrorEnvelope([]byte("not json")); ok {
		t.Fatalf("expected parse failure for non-JSON")
	}
	if _, ok := ParseAPIErrorEnvelope([]byte(`{"type":"error"}`)); ok {
		t.Fatalf("expected parse failure for empty error detail")
	}
	envelope, ok := ParseAPIErrorEnvelope([]byte(`{"error":{"message":"boom"}}`))
	if !ok || envelope.Error.Message != "boom" {
		t.Fatalf("expected envelope, got %+v", envelope)
	}
}
