package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"brandscope/internal/council"
	"brandscope/internal/engine"
	"brandscope/internal/visibility"
)

type fakeRunner struct{}

func (f fakeRunner) CreateRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	return RunMeta{
		RunID:      "run_fake_1",
		Status:     "queued",
		CreatorSub: principal.Subject,
		Request:    request,
		CreatedAt:  nowRFC3339(),
	}, nil
}

func (f fakeRunner) CreateQuickRun(request QuickRunRequest, ipHash, uaHash string) (RunMeta, error) {
	if strings.TrimSpace(request.Prompt) == "" {
		return RunMeta{}, errors.New("prompt is required")
	}
	if request.Prompt == "throttled" {
		return RunMeta{}, ErrRateLimited
	}
	return RunMeta{
		RunID:     "run_fake_quick",
		Status:    "queued",
		Request:   RunRequest{Prompts: []string{request.Prompt}, Mock: true},
		CreatedAt: nowRFC3339(),
	}, nil
}

func (f fakeRunner) Diagnose(ctx context.Context, request DiagnoseRequest) (visibility.DiagnosisResult, error) {
	return visibility.DiagnosisResult{Status: visibility.DiagnosisInvisible, Message: "nothing found"}, nil
}

func (f fakeRunner) RunCouncil(ctx context.Context, request CouncilRequest) (council.Outcome, error) {
	return council.Outcome{WinnerID: "a"}, nil
}

func (f fakeRunner) CostState() visibility.CostState {
	return visibility.CostState{LimitUSD: 25, SpentUSD: 1.5, RemainingUSD: 23.5}
}

func (f fakeRunner) Engines() []engine.Descriptor {
	return []engine.Descriptor{{ID: "a", Kind: engine.KindGrounded}}
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	auth := NewAuth(nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	api := NewAPI(auth, store, fakeRunner{}, nil)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestRouterHealthz(t *testing.T) {
	server := newTestAPI(t)
	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestRouterRunsRequireAuth(t *testing.T) {
	server := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{
		"prompts":    []string{"best running shoes"},
		"target_url": "https://nike.com",
		"engines":    []string{"a"},
	})

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/runs", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("X-Admin-Token", "secret-token")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", resp2.StatusCode)
	}
	var accepted map[string]any
	_ = json.NewDecoder(resp2.Body).Decode(&accepted)
	if accepted["run_id"] != "run_fake_1" {
		t.Fatalf("unexpected body: %v", accepted)
	}
}

func TestRouterQuickRunIsPublic(t *testing.T) {
	server := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{
		"prompt":     "best running shoes",
		"target_url": "https://nike.com",
	})
	resp, err := http.Post(server.URL+"/api/v1/quick-runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestRouterQuickRunErrorStatuses(t *testing.T) {
	server := newTestAPI(t)
	post := func(prompt string) int {
		t.Helper()
		body, _ := json.Marshal(map[string]any{
			"prompt":     prompt,
			"target_url": "https://nike.com",
		})
		resp, err := http.Post(server.URL+"/api/v1/quick-runs", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(""); code != http.StatusBadRequest {
		t.Fatalf("validation failure should be 400, got %d", code)
	}
	if code := post("throttled"); code != http.StatusTooManyRequests {
		t.Fatalf("rate limit should be 429, got %d", code)
	}
}

func TestRouterEnginesIsPublic(t *testing.T) {
	server := newTestAPI(t)
	resp, err := http.Get(server.URL + "/api/v1/engines")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Engines []engine.Descriptor `json:"engines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Engines) != 1 || payload.Engines[0].ID != "a" {
		t.Fatalf("unexpected engines: %+v", payload.Engines)
	}
}

func TestRouterCostRequiresAuth(t *testing.T) {
	server := newTestAPI(t)
	resp, _ := http.Get(server.URL + "/api/v1/cost")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/cost", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	var state visibility.CostState
	if err := json.NewDecoder(resp2.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.LimitUSD != 25 {
		t.Fatalf("unexpected cost state: %+v", state)
	}
}

func TestRouterDiagnose(t *testing.T) {
	server := newTestAPI(t)
	body, _ := json.Marshal(map[string]any{
		"prompt":     "best running shoes",
		"target_url": "https://nike.com",
		"engine":     "a",
	})
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/diagnose", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var result visibility.DiagnosisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != visibility.DiagnosisInvisible {
		t.Fatalf("unexpected diagnosis: %+v", result)
	}
}

func TestRouterAdminEndpointsRejectNonAdmin(t *testing.T) {
	server := newTestAPI(t)
	resp, _ := http.Get(server.URL + "/api/v1/admin/metrics/overview")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/admin/metrics/overview", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with admin token, got %d", resp2.StatusCode)
	}
}
