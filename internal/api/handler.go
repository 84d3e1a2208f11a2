// Package api exposes the engine's HTTP surface: the authenticated
// completion callback for async subscribers and read endpoints for
// invocation status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/domain"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MiB

	defaultLimit = 100
	maxLimit     = 1000

	healthPingTimeout = 3 * time.Second
)

// Store reads invocation records for the API.
type Store interface {
	Get(ctx context.Context, tenantID domain.TenantID, id string) (domain.InvocationStatus, error)
	GetByID(ctx context.Context, id string) (domain.InvocationStatus, error)
	ListByTenant(ctx context.Context, tenantID domain.TenantID, limit, offset int) ([]domain.InvocationStatus, error)
	ListByTrigger(ctx context.Context, tenantID domain.TenantID, triggerID domain.TriggerID, limit, offset int) ([]domain.InvocationStatus, error)
}

// Completer resolves invocations. Implemented by the tracker.
type Completer interface {
	Complete(ctx context.Context, tenantID domain.TenantID, id string, completion domain.CompletionInput) error
}

// Pinger checks one dependency's health.
type Pinger func(ctx context.Context) error

// BreakerStates exposes the breaker registry snapshot.
type BreakerStates interface {
	Snapshot() map[string]string
}

// Handler serves the HTTP API.
type Handler struct {
	store     Store
	completer Completer
	breakers  BreakerStates // optional
	pingers   map[string]Pinger
	logger    *logrus.Logger
}

// NewHandler creates a Handler. pingers maps component names to health
// checks for the verbose health endpoint.
func NewHandler(store Store, completer Completer, pingers map[string]Pinger, logger *logrus.Logger) *Handler {
	return &Handler{
		store:     store,
		completer: completer,
		pingers:   pingers,
		logger:    logger,
	}
}

// WithBreakers adds breaker states to the verbose health response.
func (h *Handler) WithBreakers(breakers BreakerStates) *Handler {
	h.breakers = breakers
	return h
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Post("/invocations/{id}/complete", h.handleComplete)
	r.Get("/invocations", h.handleListByTenant)
	r.Get("/invocations/{id}", h.handleGet)
	r.Get("/triggers/{triggerID}/invocations", h.handleListByTrigger)

	return r
}

// handleComplete is the async completion callback. The caller authenticates
// with the invocation's secret as a bearer token; no other credential grants
// access, and the secret for one invocation completes only that invocation.
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("api: invocation lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, ok := bearerToken(r)
	if !ok || !inv.Secret.Matches(token) {
		writeError(w, http.StatusUnauthorized, "invalid invocation secret")
		return
	}

	var req completeRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err = h.completer.Complete(r.Context(), inv.TenantID, inv.ID, domain.CompletionInput{
		Output: req.Output,
		Error:  req.Error,
	})
	if domain.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("invocation_id", id).Error("api: completion failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID := domain.TenantID(r.URL.Query().Get("tenantId"))
	if !tenantID.Valid() {
		writeError(w, http.StatusBadRequest, "tenantId query parameter is required")
		return
	}

	inv, err := h.store.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("api: invocation lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toView(inv))
}

func (h *Handler) handleListByTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := domain.TenantID(r.URL.Query().Get("tenantId"))
	if !tenantID.Valid() {
		writeError(w, http.StatusBadRequest, "tenantId query parameter is required")
		return
	}
	limit, offset := parsePagination(r)

	invs, err := h.store.ListByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("api: list failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toViews(invs))
}

func (h *Handler) handleListByTrigger(w http.ResponseWriter, r *http.Request) {
	tenantID := domain.TenantID(r.URL.Query().Get("tenantId"))
	if !tenantID.Valid() {
		writeError(w, http.StatusBadRequest, "tenantId query parameter is required")
		return
	}
	triggerID := domain.TriggerID(chi.URLParam(r, "triggerID"))
	limit, offset := parsePagination(r)

	invs, err := h.store.ListByTrigger(r.Context(), tenantID, triggerID, limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("api: list failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toViews(invs))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") == "" {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	status := http.StatusOK
	resp := healthResponse{Status: "ok", Components: make(map[string]string, len(h.pingers))}
	for name, ping := range h.pingers {
		if err := ping(ctx); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Components[name] = "ok"
		}
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Snapshot()
	}
	writeJSON(w, status, resp)
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are gone by the time Encode can fail; nothing sensible left
	// to do with the error.
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
