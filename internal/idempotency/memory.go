package idempotency

import (
	"context"
	"sync"
	"time"

	"notifypipe/internal/types"
)

// MemoryStore is a mutex-guarded map implementation of Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]types.IdempotencyRecord
	ttl     time.Duration
	clock   types.Clock
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. A nil clock uses the real clock.
func NewMemoryStore(ttl time.Duration, clock types.Clock) *MemoryStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryStore{
		records: make(map[string]types.IdempotencyRecord),
		ttl:     ttl,
		clock:   clock,
	}
}

func (s *MemoryStore) TryBegin(_ context.Context, requestID, owner string) (bool, *types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[requestID]; ok {
		return false, &rec, nil
	}
	now := s.clock.Now()
	s.records[requestID] = types.IdempotencyRecord{
		RequestID: requestID,
		Status:    types.IdempotencyInProgress,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	return true, nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, requestID string, status types.IdempotencyStatus, snapshot *types.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *types.IdempotencyRecord
	if rec, ok := s.records[requestID]; ok {
		current = &rec
	}
	write, err := completeDecision(current, status)
	if err != nil || !write {
		return err
	}

	now := s.clock.Now()
	rec := types.IdempotencyRecord{RequestID: requestID, CreatedAt: now}
	if current != nil {
		rec = *current
	}
	rec.Status = status
	rec.ResultSnapshot = snapshot
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)
	s.records[requestID] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, requestID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if ok && rec.Status == types.IdempotencyInProgress && rec.Owner == owner {
		delete(s.records, requestID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (*types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) GetStale(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.records {
		if rec.Status == types.IdempotencyInProgress && rec.CreatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Reclaim(_ context.Context, requestID string, olderThan time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok || rec.Status != types.IdempotencyInProgress || !rec.CreatedAt.Before(olderThan) {
		return false, nil
	}
	delete(s.records, requestID)
	return true, nil
}

func (s *MemoryStore) Clear(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, requestID)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
