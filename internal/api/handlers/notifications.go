// Package handlers implements the gateway's HTTP endpoints: notification
// intake and the operator surface over the dead letter and idempotency
// stores.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"notifypipe/internal/core"
	"notifypipe/internal/gateway"
	"notifypipe/internal/types"
)

// Enqueuer accepts a notification request and queues it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// EnqueueMetrics counts intake outcomes.
type EnqueueMetrics interface {
	RecordEnqueue(channel types.Channel, result string)
}

// Enqueue results reported to metrics.
const (
	EnqueueAccepted    = "accepted"
	EnqueueInvalid     = "invalid"
	EnqueueUnavailable = "unavailable"
)

// NotificationHandler serves POST /v1/notifications.
type NotificationHandler struct {
	enqueuer Enqueuer
	metrics  EnqueueMetrics
	logger   *slog.Logger
}

// NewNotificationHandler creates the intake handler. metrics may be nil.
func NewNotificationHandler(enqueuer Enqueuer, metrics EnqueueMetrics, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{enqueuer: enqueuer, metrics: metrics, logger: logger}
}

// RegisterRoutes mounts the intake route.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.Create)
}

// Create validates and queues one notification. 202 means the message is
// durably on the queue; delivery happens asynchronously.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := core.DecodeJSON(w, r, &req); err != nil {
		h.record(types.Channel(strings.ToLower(req.Channel)), EnqueueInvalid)
		core.Error(w, r, err)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = types.GetCorrelationID(r.Context())
	}

	res, err := h.enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		h.record(types.Channel(strings.ToLower(req.Channel)), resultFor(err))
		core.Error(w, r, err)
		return
	}

	h.record(res.Channel, EnqueueAccepted)
	core.JSON(w, r, http.StatusAccepted, res)
}

func (h *NotificationHandler) record(channel types.Channel, result string) {
	if h.metrics == nil {
		return
	}
	if !channel.Valid() {
		channel = "unknown"
	}
	h.metrics.RecordEnqueue(channel, result)
}

func resultFor(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus() == http.StatusBadRequest {
		return EnqueueInvalid
	}
	return EnqueueUnavailable
}
