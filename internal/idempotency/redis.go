package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"notifypipe/internal/types"
)

// Keys share the {idem} hash tag so every script touches a single cluster slot.
const (
	redisRecordPrefix = "{idem}:rec:"
	redisInflightKey  = "{idem}:inflight"
)

// tryBeginScript creates the record only if absent and indexes it by creation
// time. Returns {1} when created, {0, current} otherwise.
var tryBeginScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
  return {1}
end
return {0, redis.call('GET', KEYS[1])}
`)

// completeScript performs the in_progress -> terminal compare-and-swap.
// Returns 1 when written, 0 when already in the requested status, -1 on a
// conflicting terminal status.
var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local rec
if cur then
  rec = cjson.decode(cur)
  if rec.status ~= 'in_progress' then
    if rec.status == ARGV[1] then return 0 end
    return -1
  end
else
  rec = {request_id = ARGV[4], created_at = ARGV[3]}
end
rec.status = ARGV[1]
rec.updated_at = ARGV[3]
rec.expires_at = ARGV[5]
if ARGV[6] ~= '' then rec.result_snapshot = cjson.decode(ARGV[6]) end
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

// releaseScript deletes the record only while it is in_progress and owned by
// the caller.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec.status == 'in_progress' and rec.owner == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// reclaimScript deletes an in_progress record whose claim predates the cutoff.
var reclaimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[2])
if not score or tonumber(score) >= tonumber(ARGV[1]) then return 0 end
redis.call('ZREM', KEYS[2], ARGV[2])
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if cjson.decode(cur).status ~= 'in_progress' then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore implements Store on Redis with SET NX and Lua compare-and-swap.
// Record expiry uses native key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	clock  types.Clock
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. A nil clock uses the real clock.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, clock types.Clock) *RedisStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisStore{client: client, ttl: ttl, clock: clock}
}

func recordKey(requestID string) string {
	return redisRecordPrefix + requestID
}

func (s *RedisStore) TryBegin(ctx context.Context, requestID, owner string) (bool, *types.IdempotencyRecord, error) {
	now := s.clock.Now()
	rec := types.IdempotencyRecord{
		RequestID: requestID,
		Status:    types.IdempotencyInProgress,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("TryBegin: marshal: %w", err)
	}

	res, err := tryBeginScript.Run(ctx, s.client,
		[]string{recordKey(requestID), redisInflightKey},
		string(body), s.ttl.Milliseconds(), now.UnixMilli(), requestID,
	).Slice()
	if err != nil {
		return false, nil, types.NewAppError(types.ErrCodeInternalCache, "idempotency TryBegin failed", err)
	}
	if len(res) > 0 {
		if won, ok := res[0].(int64); ok && won == 1 {
			return true, nil, nil
		}
	}
	if len(res) < 2 {
		// The record expired between SET NX and GET; report it as held so the
		// caller backs off and retries.
		return false, &types.IdempotencyRecord{RequestID: requestID, Status: types.IdempotencyInProgress}, nil
	}
	raw, _ := res[1].(string)
	existing, err := decodeRecord(raw)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *RedisStore) Complete(ctx context.Context, requestID string, status types.IdempotencyStatus, snapshot *types.DeliveryOutcome) error {
	now := s.clock.Now()
	snap := ""
	if snapshot != nil {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("Complete: marshal snapshot: %w", err)
		}
		snap = string(b)
	}

	res, err := completeScript.Run(ctx, s.client,
		[]string{recordKey(requestID), redisInflightKey},
		string(status), s.ttl.Milliseconds(), now.Format(time.RFC3339Nano), requestID,
		now.Add(s.ttl).Format(time.RFC3339Nano), snap,
	).Int64()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "idempotency Complete failed", err)
	}
	if res == -1 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, requestID, owner string) error {
	err := releaseScript.Run(ctx, s.client,
		[]string{recordKey(requestID), redisInflightKey},
		owner, requestID,
	).Err()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "idempotency Release failed", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, requestID string) (*types.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, recordKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "idempotency Get failed", err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) GetStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, redisInflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "idempotency GetStale failed", err)
	}
	return ids, nil
}

func (s *RedisStore) Reclaim(ctx context.Context, requestID string, olderThan time.Time) (bool, error) {
	n, err := reclaimScript.Run(ctx, s.client,
		[]string{recordKey(requestID), redisInflightKey},
		olderThan.UnixMilli(), requestID,
	).Int64()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalCache, "idempotency Reclaim failed", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Clear(ctx context.Context, requestID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(requestID))
		pipe.ZRem(ctx, redisInflightKey, requestID)
		return nil
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "idempotency Clear failed", err)
	}
	return nil
}

// PurgeExpired drops inflight index entries older than the TTL. The records
// themselves expire through Redis key TTLs.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.ttl).UnixMilli()
	n, err := s.client.ZRemRangeByScore(ctx, redisInflightKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "idempotency PurgeExpired failed", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeRecord(raw string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCache, "corrupt idempotency record", err)
	}
	return &rec, nil
}
