// Package http serves the monitor's API: opportunity reads, analysis
// triggers, settings and credential administration, the streaming
// endpoints, and the prometheus scrape surface.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/valros/skinarb/internal/credentials"
	"github.com/valros/skinarb/internal/data/store"
	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/engine"
	"github.com/valros/skinarb/internal/metrics"
	"github.com/valros/skinarb/internal/persistence"
	"github.com/valros/skinarb/internal/provider"
	"github.com/valros/skinarb/internal/scheduler"
)

// Error codes returned in ErrorResponse.Code. GATE_BUSY, CONFIG_INVALID,
// PARTIAL_SNAPSHOT, and CANCELLED mirror the pipeline's failure taxonomy.
const (
	codeBadRequest      = "BAD_REQUEST"
	codeNotFound        = "NOT_FOUND"
	codeGateBusy        = "GATE_BUSY"
	codeConfigInvalid   = "CONFIG_INVALID"
	codeInvalidPlatform = "INVALID_PLATFORM"
	codePartialSnapshot = "PARTIAL_SNAPSHOT"
	codeCancelled       = "CANCELLED"
	codeInternal        = "INTERNAL"
	codeUnavailable     = "UNAVAILABLE"
)

// HandlerDeps wires the endpoint dependencies. Engine and Store are
// required; the rest may be nil and the endpoints that need them degrade.
type HandlerDeps struct {
	Engine      *engine.Engine
	Scheduler   *scheduler.Scheduler
	Credentials *credentials.Store
	Store       *store.Store
	Metrics     *metrics.Registry

	// DBHealth is set only when the Postgres history sink is enabled.
	DBHealth persistence.RepositoryHealth

	// Clients receive a credential reload after an admin update.
	Clients map[domain.Platform]provider.Client
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	creds    *credentials.Store
	store    *store.Store
	metrics  *metrics.Registry
	dbHealth persistence.RepositoryHealth
	clients  map[domain.Platform]provider.Client
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps HandlerDeps) *Handlers {
	return &Handlers{
		engine:   deps.Engine,
		sched:    deps.Scheduler,
		creds:    deps.Credentials,
		store:    deps.Store,
		metrics:  deps.Metrics,
		dbHealth: deps.DBHealth,
		clients:  deps.Clients,
	}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Fallback error response
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value("request_id").(string)
	if requestID == "" {
		requestID = "unknown"
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles 404 responses. It runs outside the middleware chain, so
// it sets its own content type.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, codeNotFound,
		"The requested endpoint does not exist")
}

// Health reports liveness plus per-component state. The response is always
// 200; the top-level status flips to degraded when a component is unhealthy.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}

	storage := ComponentHealth{Status: "ok"}
	if err := h.store.Check(); err != nil {
		storage = ComponentHealth{Status: "down", Message: err.Error()}
		resp.Status = "degraded"
	}
	resp.Components["storage"] = storage

	analysis := ComponentHealth{Status: "idle"}
	if gate := h.engine.Gate().Status(); gate.Running {
		analysis = ComponentHealth{Status: "running", Message: string(gate.Kind)}
	}
	resp.Components["analysis"] = analysis

	if h.dbHealth != nil {
		database := ComponentHealth{Status: "ok"}
		if check := h.dbHealth.Health(r.Context()); !check.Healthy {
			database = ComponentHealth{Status: "down", Message: strings.Join(check.Errors, "; ")}
			resp.Status = "degraded"
		}
		resp.Components["database"] = database
	}

	if h.creds != nil {
		for platform, status := range h.creds.Status() {
			component := ComponentHealth{Status: "ok"}
			if !status.Configured {
				component = ComponentHealth{Status: "unconfigured", Message: "no credentials on file"}
				resp.Status = "degraded"
			}
			resp.Components["credentials_"+strings.ToLower(string(platform))] = component
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Status reports the gate, cache, settings, and scheduler state.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    h.engine.Status(),
		Timestamp: time.Now().UTC(),
	}
	if h.sched != nil {
		st := h.sched.Status()
		resp.Scheduler = &st
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Opportunities returns the current opportunity list.
func (h *Handlers) Opportunities(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Opportunities(r.Context()))
}

// Analyze runs a manual analysis synchronously and returns the resulting
// list. It never displaces a running analysis: 409 while the gate is held.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.RunManual(r.Context())
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, list)
	case errors.Is(err, engine.ErrGateBusy):
		active := h.engine.Gate().Status().Kind
		h.writeError(w, r, http.StatusConflict, codeGateBusy,
			fmt.Sprintf("a %s analysis is already running", active))
	case errors.Is(err, engine.ErrCancelled):
		h.writeError(w, r, http.StatusServiceUnavailable, codeCancelled,
			"analysis was cancelled before it finished")
	case errors.Is(err, engine.ErrPartialSnapshot):
		h.writeError(w, r, http.StatusBadGateway, codePartialSnapshot, err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

// ForceFull starts a forced full analysis in the background and returns
// immediately. Force displaces whatever currently holds the gate, so the
// trigger is always accepted.
func (h *Handlers) ForceFull(w http.ResponseWriter, r *http.Request) {
	go func() {
		if _, err := h.engine.RunFull(context.Background(), true); err != nil && !errors.Is(err, engine.ErrCancelled) {
			log.Error().Err(err).Msg("Forced full analysis failed")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Accepted:  true,
		Kind:      engine.KindFull,
		Message:   "full analysis started",
		Timestamp: time.Now().UTC(),
	})
}

// ForceIncremental starts an incremental refresh in the background. Unlike
// force-full it yields to a running analysis instead of displacing it.
func (h *Handlers) ForceIncremental(w http.ResponseWriter, r *http.Request) {
	if gate := h.engine.Gate().Status(); gate.Running {
		h.writeError(w, r, http.StatusConflict, codeGateBusy,
			fmt.Sprintf("a %s analysis is already running", gate.Kind))
		return
	}

	go func() {
		_, err := h.engine.RunIncremental(context.Background(), false)
		switch {
		case err == nil, errors.Is(err, engine.ErrGateBusy), errors.Is(err, engine.ErrCancelled):
		case errors.Is(err, engine.ErrEmptyCache):
			log.Warn().Msg("Forced incremental skipped: hash-name cache is empty")
		default:
			log.Error().Err(err).Msg("Forced incremental analysis failed")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Accepted:  true,
		Kind:      engine.KindIncremental,
		Message:   "incremental analysis started",
		Timestamp: time.Now().UTC(),
	})
}

// GetSettings returns the active runtime settings.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Settings())
}

// UpdateSettings applies a settings mutation. The body may be partial:
// omitted fields keep their current values.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	next := h.engine.Settings()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeBadRequest,
			"request body is not valid JSON")
		return
	}

	update, err := h.engine.UpdateSettings(r.Context(), next)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, update)
	case errors.Is(err, domain.ErrInvalidSettings):
		h.writeError(w, r, http.StatusBadRequest, codeConfigInvalid, err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

// CredentialsStatus reports which secrets are on file, never their values.
func (h *Handlers) CredentialsStatus(w http.ResponseWriter, r *http.Request) {
	if h.creds == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable,
			"credentials store is not configured")
		return
	}

	h.writeJSON(w, http.StatusOK, CredentialsStatusResponse{
		Platforms: h.creds.Status(),
		Timestamp: time.Now().UTC(),
	})
}

// UpdateCredentials merges a cookie/header/device patch into one platform's
// credential bag and hands the affected client the new material.
func (h *Handlers) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	if h.creds == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable,
			"credentials store is not configured")
		return
	}

	platform, ok := parsePlatform(mux.Vars(r)["platform"])
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, codeInvalidPlatform,
			`platform must be "a" or "b"`)
		return
	}

	var patch credentials.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, r, http.StatusBadRequest, codeBadRequest,
			"request body is not valid JSON")
		return
	}
	if len(patch.Cookies) == 0 && len(patch.Headers) == 0 && len(patch.Device) == 0 {
		h.writeError(w, r, http.StatusBadRequest, codeBadRequest,
			"patch contains no cookies, headers, or device fields")
		return
	}

	if err := h.creds.Update(platform, patch); err != nil {
		h.writeError(w, r, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	if client := h.clients[platform]; client != nil {
		client.ReloadCredentials()
	}

	h.writeJSON(w, http.StatusOK, CredentialsUpdateResponse{
		Platform:  platform,
		Status:    h.creds.Status()[platform],
		Timestamp: time.Now().UTC(),
	})
}

// ValidateCredentials probes one platform with its stored credentials.
// force=true bypasses the cached verdict.
func (h *Handlers) ValidateCredentials(w http.ResponseWriter, r *http.Request) {
	if h.creds == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable,
			"credentials store is not configured")
		return
	}

	platform, ok := parsePlatform(r.URL.Query().Get("platform"))
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, codeInvalidPlatform,
			`platform must be "a" or "b"`)
		return
	}
	force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"

	verdict, err := h.creds.Validate(r.Context(), platform, force)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, verdict)
}

// MetricsHandler exposes the prometheus scrape handler, or nil when no
// registry is wired.
func (h *Handlers) MetricsHandler() http.Handler {
	if h.metrics == nil {
		return nil
	}
	return h.metrics.Handler()
}

func parsePlatform(raw string) (domain.Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "a":
		return domain.PlatformA, true
	case "b":
		return domain.PlatformB, true
	default:
		return "", false
	}
}
