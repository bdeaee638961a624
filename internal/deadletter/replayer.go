package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notifypipe/internal/gateway"
	"notifypipe/internal/idempotency"
	"notifypipe/internal/types"
)

// WarnDuplicateReplay is set on a ReplayResult when the message was
// re-enqueued under its original request_id with the terminal idempotency
// record left in place. The worker will treat it as a resolved duplicate.
const WarnDuplicateReplay = "request_id unchanged and idempotency record kept: the worker will drop this message as a duplicate"

// Enqueuer publishes a request onto the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// IdempotencyClearer deletes an idempotency record.
type IdempotencyClearer interface {
	Clear(ctx context.Context, requestID string) error
}

// ReplayOptions control how a dead-lettered message is re-enqueued.
type ReplayOptions struct {
	FreshRequestID   bool `json:"fresh_request_id"`
	ClearIdempotency bool `json:"clear_idempotency"`
}

// ReplayResult describes a completed replay.
type ReplayResult struct {
	OriginalRequestID string        `json:"original_request_id"`
	RequestID         string        `json:"request_id"`
	CorrelationID     string        `json:"correlation_id"`
	Channel           types.Channel `json:"channel"`
	ReplayedAt        time.Time     `json:"replayed_at"`
	Warning           string        `json:"warning,omitempty"`
}

// Replayer re-enqueues dead-lettered messages with retry_count reset to 0.
type Replayer struct {
	store    Store
	idem     IdempotencyClearer
	enqueuer Enqueuer
	clock    types.Clock
	newID    func() string
	logger   types.Logger
}

// NewReplayer creates a Replayer.
func NewReplayer(store Store, idem IdempotencyClearer, enqueuer Enqueuer, clock types.Clock, logger types.Logger) *Replayer {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Replayer{
		store:    store,
		idem:     idem,
		enqueuer: enqueuer,
		clock:    clock,
		newID:    func() string { return uuid.New().String() },
		logger:   logger,
	}
}

// Replay re-enqueues the entry for requestID and marks it consumed.
//
// FreshRequestID enqueues under a new UUID, so the old idempotency record is
// irrelevant. ClearIdempotency deletes the old record and reuses the id. With
// neither, the same id is enqueued and the result carries WarnDuplicateReplay.
//
// The entry is marked before anything is published, so of two concurrent
// replays exactly one enqueues and the other gets ErrAlreadyReplayed. A failed
// clear or enqueue releases the mark again.
func (r *Replayer) Replay(ctx context.Context, requestID string, opts ReplayOptions) (*ReplayResult, error) {
	entry, err := r.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if entry.Replayed() {
		return nil, ErrAlreadyReplayed
	}

	req := gateway.FromNotification(entry.Request)
	result := &ReplayResult{OriginalRequestID: requestID}
	if opts.FreshRequestID {
		req.RequestID = r.newID()
	} else if !opts.ClearIdempotency {
		result.Warning = WarnDuplicateReplay
	}

	now := r.clock.Now()
	if err := r.store.MarkReplayed(ctx, requestID, req.RequestID, now); err != nil {
		return nil, err
	}

	if opts.ClearIdempotency && !opts.FreshRequestID {
		if err := r.idem.Clear(ctx, requestID); err != nil && !errors.Is(err, idempotency.ErrNotFound) {
			r.release(ctx, requestID, req.RequestID)
			return nil, fmt.Errorf("clear idempotency record: %w", err)
		}
	}

	res, err := r.enqueuer.Enqueue(ctx, req)
	if err != nil {
		r.release(ctx, requestID, req.RequestID)
		return nil, err
	}

	result.RequestID = res.RequestID
	result.CorrelationID = res.CorrelationID
	result.Channel = res.Channel
	result.ReplayedAt = now

	r.logger.Info("dead letter replayed",
		"request_id", requestID,
		"replayed_as", res.RequestID,
		"channel", res.Channel,
		"fresh_request_id", opts.FreshRequestID,
		"clear_idempotency", opts.ClearIdempotency,
	)
	return result, nil
}

// release undoes the replay mark after a failed publish. It runs detached
// from ctx so a cancelled request still leaves the entry replayable.
func (r *Replayer) release(ctx context.Context, requestID, replayedAs string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.ReleaseReplay(rctx, requestID, replayedAs); err != nil {
		r.logger.Error("dead letter stuck as replayed after failed publish",
			"request_id", requestID,
			"replayed_as", replayedAs,
			"error", err,
		)
	}
}
