package deadletter

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"notifypipe/internal/types"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]types.DeadLetterEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]types.DeadLetterEntry)}
}

func (s *MemoryStore) Record(_ context.Context, entry types.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[entry.RequestID]; ok && !existing.Replayed() {
		return nil
	}
	s.entries[entry.RequestID] = clone(entry)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (*types.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(e)
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]types.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.DeadLetterEntry, 0)
	for _, e := range s.entries {
		if filter.matches(&e) {
			out = append(out, clone(e))
		}
	}
	slices.SortFunc(out, func(a, b types.DeadLetterEntry) int {
		if c := b.MovedToDLQAt.Compare(a.MovedToDLQAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RequestID, b.RequestID)
	})
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkReplayed(_ context.Context, requestID, replayedAs string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return ErrNotFound
	}
	if e.Replayed() {
		return ErrAlreadyReplayed
	}
	e.ReplayedAt = &at
	e.ReplayedAs = replayedAs
	s.entries[requestID] = e
	return nil
}

func (s *MemoryStore) ReleaseReplay(_ context.Context, requestID, replayedAs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok || !e.Replayed() || e.ReplayedAs != replayedAs {
		return nil
	}
	e.ReplayedAt = nil
	e.ReplayedAs = ""
	s.entries[requestID] = e
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func clone(e types.DeadLetterEntry) types.DeadLetterEntry {
	e.History = slices.Clone(e.History)
	e.Request.History = slices.Clone(e.Request.History)
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		e.ReplayedAt = &t
	}
	return e
}
