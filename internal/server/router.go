package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type API struct {
	auth   *Auth
	store  Store
	runner RunnerService
	obs    *Observability
}

func NewAPI(auth *Auth, store Store, runner RunnerService, obs *Observability) *API {
	return &API{
		auth:   auth,
		store:  store,
		runner: runner,
		obs:    obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/runs", a.auth.Require(http.HandlerFunc(a.handleCreateRun)))
	mux.Handle("GET /api/v1/runs", a.auth.Require(http.HandlerFunc(a.handleListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", a.auth.Require(http.HandlerFunc(a.handleGetRun)))
	mux.Handle("GET /api/v1/runs/{id}/events", a.auth.Require(http.HandlerFunc(a.handleRunEventsSSE)))
	mux.Handle("GET /api/v1/my-runs", a.auth.Require(http.HandlerFunc(a.handleMyRuns)))

	mux.Handle("POST /api/v1/diagnose", a.auth.Require(http.HandlerFunc(a.handleDiagnose)))
	mux.Handle("POST /api/v1/council", a.auth.Require(http.HandlerFunc(a.handleCouncil)))
	mux.Handle("GET /api/v1/cost", a.auth.Require(http.HandlerFunc(a.handleCost)))
	mux.HandleFunc("GET /api/v1/engines", a.handleEngines)

	mux.HandleFunc("POST /api/v1/quick-runs", a.handleQuickRun)
	mux.HandleFunc("GET /api/v1/quick-runs/{id}", a.handleGetQuickRun)

	mux.Handle("GET /api/v1/admin/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminOverview)))
	mux.Handle("GET /api/v1/admin/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminAudit)))

	wrapped := otelhttp.NewHandler(mux, "brandscope-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("brandscope-api").Start(r.Context(), "runs.create")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(
		attribute.Int("run.prompts", len(req.Prompts)),
		attribute.Int("run.engines", len(req.EngineIDs)),
	)
	meta, err := a.runner.CreateRun(req, principal, "api.manual")
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": meta.RunID,
		"status": meta.Status,
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	meta, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": a.store.ListRuns(100),
	})
}

func (a *API) handleRunEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	if _, ok := a.store.GetRun(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []RunEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: run_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListRunEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListRunEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleMyRuns(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	runs := a.store.ListRunsByCreator(principal.Subject, 50)
	out := make([]map[string]any, 0, len(runs))
	for _, m := range runs {
		out = append(out, map[string]any{
			"run_id":          m.RunID,
			"status":          m.Status,
			"target_url":      m.Request.TargetURL,
			"created_at":      m.CreatedAt,
			"visibility_rate": m.Summary.VisibilityRate,
			"total_cost":      m.TotalCostUSD,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (a *API) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("brandscope-api").Start(r.Context(), "diagnose")
	defer span.End()
	var req DiagnoseRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(attribute.String("engine.id", req.EngineID))
	result, err := a.runner.Diagnose(ctx, req)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCouncil(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("brandscope-api").Start(r.Context(), "council.run")
	defer span.End()
	var req CouncilRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(
		attribute.Int("council.engines", len(req.EngineIDs)),
		attribute.String("council.judge", req.JudgeID),
	)
	outcome, err := a.runner.RunCouncil(ctx, req)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *API) handleCost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.runner.CostState())
}

func (a *API) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engines": a.runner.Engines(),
	})
}

func (a *API) handleQuickRun(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("brandscope-api").Start(r.Context(), "quick_runs.create")
	defer span.End()
	var req QuickRunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	// optional: attach user identity if logged in
	principal, _ := a.auth.AuthenticateRequest(r)
	span.SetAttributes(attribute.String("actor.type", "user"))
	meta, err := a.runner.CreateQuickRun(req, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if principal.Subject != "" {
		_, _ = a.store.UpdateRun(meta.RunID, func(m *RunMeta) {
			m.CreatorSub = principal.Subject
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": meta.RunID,
		"status": meta.Status,
	})
}

// handleGetQuickRun serves the anonymous view: status and aggregate
// summary only, never the full cell matrix.
func (a *API) handleGetQuickRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}
	meta, ok := a.store.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	view := map[string]any{
		"run_id":      meta.RunID,
		"status":      meta.Status,
		"created_at":  meta.CreatedAt,
		"started_at":  meta.StartedAt,
		"finished_at": meta.FinishedAt,
		"summary": map[string]any{
			"cells":           meta.Summary.Cells,
			"found":           meta.Summary.Found,
			"not_found":       meta.Summary.NotFound,
			"visibility_rate": meta.Summary.VisibilityRate,
		},
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(200),
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHashes(r *http.Request) (string, string) {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip), hashString(r.UserAgent())
}
