// Package idempotency records the processing state of each request_id so that
// duplicate deliveries from the queue never produce a second provider send.
//
// All mutations are create-if-absent or compare-and-swap. Backends: memory
// (this package), Redis (this package), PostgreSQL (internal/db).
package idempotency

import (
	"context"
	"time"

	"notifypipe/internal/types"
)

var (
	// ErrNotFound is returned when no record exists for a request_id.
	ErrNotFound = types.NewAppError(types.ErrCodeNotFoundIdempotency, "idempotency record not found", nil)

	// ErrConflict is returned when Complete would overwrite a different
	// terminal status.
	ErrConflict = types.NewAppError(types.ErrCodeConflictIdempotency, "idempotency record already terminal with a different status", nil)
)

// Store is the idempotency contract used by workers, the reaper and the
// operator API.
type Store interface {
	// TryBegin atomically creates an in_progress record owned by owner.
	// won is true only for the single caller that created it; otherwise the
	// existing record is returned.
	TryBegin(ctx context.Context, requestID, owner string) (won bool, existing *types.IdempotencyRecord, err error)

	// Complete moves an in_progress record to a terminal status. Completing
	// with the status already held is a no-op; a different terminal status
	// yields ErrConflict. A missing record is created directly in the
	// terminal state.
	Complete(ctx context.Context, requestID string, status types.IdempotencyStatus, snapshot *types.DeliveryOutcome) error

	// Release deletes an in_progress record held by owner so a scheduled
	// retry can claim it again. Records held by others, or terminal records,
	// are left untouched.
	Release(ctx context.Context, requestID, owner string) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, requestID string) (*types.IdempotencyRecord, error)

	// GetStale lists in_progress records created before olderThan.
	GetStale(ctx context.Context, olderThan time.Time) ([]string, error)

	// Reclaim deletes an in_progress record if it is still older than
	// olderThan. It reports whether a record was removed.
	Reclaim(ctx context.Context, requestID string, olderThan time.Time) (bool, error)

	// Clear deletes a record regardless of state. Operator use only.
	Clear(ctx context.Context, requestID string) error

	// PurgeExpired deletes records whose expiry is before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
}

// completeDecision resolves a Complete call against the current state.
// It returns (write, err): write is true when the caller should store the
// terminal record.
func completeDecision(current *types.IdempotencyRecord, status types.IdempotencyStatus) (bool, error) {
	if current == nil || current.Status == types.IdempotencyInProgress {
		return true, nil
	}
	if current.Status == status {
		return false, nil
	}
	return false, ErrConflict
}
