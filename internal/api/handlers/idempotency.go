package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"notifypipe/internal/core"
	"notifypipe/internal/types"
)

// IdempotencyInspector reads and clears idempotency records.
type IdempotencyInspector interface {
	Get(ctx context.Context, requestID string) (*types.IdempotencyRecord, error)
	Clear(ctx context.Context, requestID string) error
}

// IdempotencyHandler serves the operator idempotency routes.
type IdempotencyHandler struct {
	store  IdempotencyInspector
	logger *slog.Logger
}

// NewIdempotencyHandler creates the handler.
func NewIdempotencyHandler(store IdempotencyInspector, logger *slog.Logger) *IdempotencyHandler {
	return &IdempotencyHandler{store: store, logger: logger}
}

// RegisterRoutes mounts the idempotency routes.
func (h *IdempotencyHandler) RegisterRoutes(r chi.Router) {
	r.Get("/idempotency/{request_id}", h.Get)
	r.Delete("/idempotency/{request_id}", h.Clear)
}

// Get handles GET /v1/idempotency/{request_id}.
func (h *IdempotencyHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}

// Clear handles DELETE /v1/idempotency/{request_id}. Clearing a delivered
// record re-arms the request_id: the next message carrying it is sent again.
func (h *IdempotencyHandler) Clear(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := h.store.Clear(r.Context(), requestID); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.Warn("idempotency record cleared by operator", slog.String("request_id", requestID))
	w.WriteHeader(http.StatusNoContent)
}
