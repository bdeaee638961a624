package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"notifypipe/internal/core"
	"notifypipe/internal/deadletter"
	"notifypipe/internal/types"
)

// DeadLetterReader is the read side of the dead letter store.
type DeadLetterReader interface {
	Get(ctx context.Context, requestID string) (*types.DeadLetterEntry, error)
	List(ctx context.Context, filter deadletter.Filter) ([]types.DeadLetterEntry, error)
}

// Replayer re-enqueues a dead-lettered message.
type Replayer interface {
	Replay(ctx context.Context, requestID string, opts deadletter.ReplayOptions) (*deadletter.ReplayResult, error)
}

// DeadLetterHandler serves the operator dead letter routes.
type DeadLetterHandler struct {
	store    DeadLetterReader
	replayer Replayer
	logger   *slog.Logger
}

// NewDeadLetterHandler creates the handler.
func NewDeadLetterHandler(store DeadLetterReader, replayer Replayer, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{store: store, replayer: replayer, logger: logger}
}

// RegisterRoutes mounts the dead letter routes.
func (h *DeadLetterHandler) RegisterRoutes(r chi.Router) {
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{request_id}", h.Get)
		r.Post("/{request_id}/replay", h.Replay)
	})
}

type deadLetterList struct {
	Data  []types.DeadLetterEntry `json:"data"`
	Count int                     `json:"count"`
}

// List handles GET /v1/dlq?channel=&since=&limit=&include_replayed=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	entries, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("dead letter list failed", slog.String("error", err.Error()))
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.DeadLetterEntry{}
	}
	core.JSON(w, r, http.StatusOK, deadLetterList{Data: entries, Count: len(entries)})
}

// Get handles GET /v1/dlq/{request_id}.
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.Get(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entry})
}

// Replay handles POST /v1/dlq/{request_id}/replay. The body is optional;
// an empty body replays under the same request_id.
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	var opts deadletter.ReplayOptions
	if err := core.DecodeJSON(w, r, &opts); err != nil && !isEmptyBody(err) {
		core.Error(w, r, err)
		return
	}

	res, err := h.replayer.Replay(r.Context(), requestID, opts)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.Info("dead letter replay requested",
		slog.String("request_id", requestID),
		slog.String("replayed_as", res.RequestID),
		slog.Bool("fresh_request_id", opts.FreshRequestID),
		slog.Bool("clear_idempotency", opts.ClearIdempotency),
	)
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: res})
}

func isEmptyBody(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && errors.Is(appErr.Err, io.EOF)
}

func parseFilter(r *http.Request) (deadletter.Filter, error) {
	q := r.URL.Query()
	var f deadletter.Filter

	if v := q.Get("channel"); v != "" {
		ch, err := types.ParseChannel(strings.ToLower(v))
		if err != nil {
			return f, queryError(types.ErrCodeValidationInvalidChannel, "channel must be push or email", "channel")
		}
		f.Channel = ch
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, queryError(types.ErrCodeValidationInvalidField, "since must be an RFC 3339 timestamp", "since")
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, queryError(types.ErrCodeValidationInvalidField, "limit must be a positive integer", "limit")
		}
		f.Limit = n
	}
	if v := q.Get("include_replayed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, queryError(types.ErrCodeValidationInvalidField, "include_replayed must be a boolean", "include_replayed")
		}
		f.IncludeReplayed = b
	}
	return f, nil
}

func queryError(code types.ErrorCode, msg, field string) *types.AppError {
	return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{"field": field})
}
