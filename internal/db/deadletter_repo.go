package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"notifypipe/internal/deadletter"
	"notifypipe/internal/types"
)

// EncodeAll/DecodeAll are safe for concurrent use on a shared coder.
var (
	payloadEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	payloadDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// deadLetterPayload is the compressed column body. The request is kept whole
// so a replay can rebuild it exactly.
type deadLetterPayload struct {
	Request types.NotificationRequest `json:"request"`
	History []types.DeliveryOutcome   `json:"history"`
}

// DeadLetterRepository implements deadletter.Store on the dead_letters table.
type DeadLetterRepository struct {
	db DBTX
}

var _ deadletter.Store = (*DeadLetterRepository)(nil)

// NewDeadLetterRepository creates a repository backed by the given database
// connection (pool or transaction).
func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Record inserts the entry. An existing unreplayed entry wins; a replayed one
// is re-armed with the new failure.
func (r *DeadLetterRepository) Record(ctx context.Context, e types.DeadLetterEntry) error {
	payload, err := encodePayload(e)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO dead_letters (request_id, channel, attempts, last_error_kind, payload, moved_to_dlq_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_id) DO UPDATE
		 SET channel = EXCLUDED.channel,
		     attempts = EXCLUDED.attempts,
		     last_error_kind = EXCLUDED.last_error_kind,
		     payload = EXCLUDED.payload,
		     moved_to_dlq_at = EXCLUDED.moved_to_dlq_at,
		     replayed_at = NULL,
		     replayed_as = NULL
		 WHERE dead_letters.replayed_at IS NOT NULL`,
		e.RequestID, e.Channel, e.Attempts, e.LastError, payload, e.MovedToDLQAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record dead letter", err)
	}
	return nil
}

const deadLetterColumns = `request_id, channel, attempts, last_error_kind, payload, moved_to_dlq_at, replayed_at, COALESCE(replayed_as, '')`

func (r *DeadLetterRepository) Get(ctx context.Context, requestID string) (*types.DeadLetterEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE request_id = $1`,
		requestID,
	)
	e, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, deadletter.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, f deadletter.Filter) ([]types.DeadLetterEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != "" {
		args = append(args, f.Channel)
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("moved_to_dlq_at >= $%d", len(args)))
	}
	if !f.IncludeReplayed {
		where = append(where, "replayed_at IS NULL")
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(` ORDER BY moved_to_dlq_at DESC, request_id ASC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()

	out := make([]types.DeadLetterEntry, 0)
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating dead letters", err)
	}
	return out, nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, requestID, replayedAs string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE dead_letters SET replayed_at = $2, replayed_as = $3
		 WHERE request_id = $1 AND replayed_at IS NULL`,
		requestID, at, replayedAs,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark dead letter replayed", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dead_letters WHERE request_id = $1)`,
		requestID,
	).Scan(&exists); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to check dead letter", err)
	}
	if !exists {
		return deadletter.ErrNotFound
	}
	return deadletter.ErrAlreadyReplayed
}

func (r *DeadLetterRepository) ReleaseReplay(ctx context.Context, requestID, replayedAs string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE dead_letters SET replayed_at = NULL, replayed_as = NULL
		 WHERE request_id = $1 AND replayed_as = $2 AND replayed_at IS NOT NULL`,
		requestID, replayedAs,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release dead letter replay", err)
	}
	return nil
}

func (r *DeadLetterRepository) Ping(ctx context.Context) error {
	return ping(ctx, r.db)
}

func scanDeadLetter(row pgx.Row) (*types.DeadLetterEntry, error) {
	var (
		e       types.DeadLetterEntry
		payload []byte
	)
	if err := row.Scan(&e.RequestID, &e.Channel, &e.Attempts, &e.LastError, &payload, &e.MovedToDLQAt, &e.ReplayedAt, &e.ReplayedAs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dead letter", err)
	}

	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	e.Request = p.Request
	e.History = p.History
	return &e, nil
}

func encodePayload(e types.DeadLetterEntry) ([]byte, error) {
	raw, err := json.Marshal(deadLetterPayload{Request: e.Request, History: e.History})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode dead letter payload", err)
	}
	return payloadEncoder.EncodeAll(raw, nil), nil
}

func decodePayload(b []byte) (deadLetterPayload, error) {
	var p deadLetterPayload
	raw, err := payloadDecoder.DecodeAll(b, nil)
	if err != nil {
		return p, types.NewAppError(types.ErrCodeInternalUnexpected, "zstd decompression failed", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode dead letter payload", err)
	}
	return p, nil
}
