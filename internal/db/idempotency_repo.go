package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"notifypipe/internal/idempotency"
	"notifypipe/internal/types"
)

// staleScanLimit bounds one GetStale call; the reaper picks up the rest on its
// next sweep.
const staleScanLimit = 1000

// IdempotencyRepository implements idempotency.Store on the
// idempotency_records table. Every mutation is a single statement guarded by
// its WHERE clause or the primary key, so concurrent workers never overwrite
// each other.
type IdempotencyRepository struct {
	db    DBTX
	ttl   time.Duration
	clock types.Clock
}

var _ idempotency.Store = (*IdempotencyRepository)(nil)

// NewIdempotencyRepository creates a repository whose records expire ttl after
// their last update.
func NewIdempotencyRepository(db DBTX, ttl time.Duration, clock types.Clock) *IdempotencyRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &IdempotencyRepository{db: db, ttl: ttl, clock: clock}
}

func (r *IdempotencyRepository) TryBegin(ctx context.Context, requestID, owner string) (bool, *types.IdempotencyRecord, error) {
	// A Release between the failed insert and the read can make the row
	// vanish; one more insert attempt settles it.
	for range 2 {
		now := r.clock.Now()
		tag, err := r.db.Exec(ctx,
			`INSERT INTO idempotency_records (request_id, status, owner, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $4, $5)
			 ON CONFLICT (request_id) DO NOTHING`,
			requestID, types.IdempotencyInProgress, owner, now, now.Add(r.ttl),
		)
		if err != nil {
			return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim request", err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil, nil
		}

		existing, err := r.Get(ctx, requestID)
		if errors.Is(err, idempotency.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	return false, nil, types.NewAppError(types.ErrCodeConflictConcurrent, "idempotency record changed during claim", nil)
}

func (r *IdempotencyRepository) Complete(ctx context.Context, requestID string, status types.IdempotencyStatus, snapshot *types.DeliveryOutcome) error {
	var snap []byte
	if snapshot != nil {
		var err error
		if snap, err = json.Marshal(snapshot); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode result snapshot", err)
		}
	}

	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_records (request_id, status, result_snapshot, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $4, $5)
		 ON CONFLICT (request_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     result_snapshot = EXCLUDED.result_snapshot,
		     updated_at = EXCLUDED.updated_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE idempotency_records.status = 'in_progress'`,
		requestID, status, snap, now, now.Add(r.ttl),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete request", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The row is already terminal.
	current, err := r.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	return idempotency.ErrConflict
}

func (r *IdempotencyRepository) Release(ctx context.Context, requestID, owner string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM idempotency_records
		 WHERE request_id = $1 AND owner = $2 AND status = 'in_progress'`,
		requestID, owner,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release claim", err)
	}
	return nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, requestID string) (*types.IdempotencyRecord, error) {
	var (
		rec  types.IdempotencyRecord
		snap []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT request_id, status, COALESCE(owner, ''), result_snapshot, created_at, updated_at, expires_at
		 FROM idempotency_records
		 WHERE request_id = $1`,
		requestID,
	).Scan(&rec.RequestID, &rec.Status, &rec.Owner, &snap, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get idempotency record", err)
	}

	if len(snap) > 0 {
		var outcome types.DeliveryOutcome
		if err := json.Unmarshal(snap, &outcome); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode result snapshot", err)
		}
		rec.ResultSnapshot = &outcome
	}
	return &rec, nil
}

func (r *IdempotencyRepository) GetStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT request_id FROM idempotency_records
		 WHERE status = 'in_progress' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		olderThan, staleScanLimit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale claims", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stale claim", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stale claims", err)
	}
	return ids, nil
}

func (r *IdempotencyRepository) Reclaim(ctx context.Context, requestID string, olderThan time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM idempotency_records
		 WHERE request_id = $1 AND status = 'in_progress' AND created_at < $2`,
		requestID, olderThan,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reclaim stale claim", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *IdempotencyRepository) Clear(ctx context.Context, requestID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idempotency_records WHERE request_id = $1`, requestID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear idempotency record", err)
	}
	return nil
}

func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired records", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *IdempotencyRepository) Ping(ctx context.Context) error {
	return ping(ctx, r.db)
}
