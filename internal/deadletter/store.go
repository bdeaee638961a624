// Package deadletter records abandoned notifications and lets an operator
// inspect and replay them.
package deadletter

import (
	"context"
	"time"

	"notifypipe/internal/types"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var (
	ErrNotFound = types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter entry not found", nil)

	ErrAlreadyReplayed = types.NewAppError(types.ErrCodeConflictReplayed, "dead letter entry already replayed", nil)
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Channel         types.Channel
	Since           time.Time
	IncludeReplayed bool
	Limit           int
}

// EffectiveLimit clamps Limit to [1, MaxListLimit], defaulting to DefaultListLimit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(e *types.DeadLetterEntry) bool {
	if f.Channel != "" && e.Channel != f.Channel {
		return false
	}
	if !f.Since.IsZero() && e.MovedToDLQAt.Before(f.Since) {
		return false
	}
	if !f.IncludeReplayed && e.Replayed() {
		return false
	}
	return true
}

// Store persists dead letter entries.
//
// Record is idempotent on request_id: recording an id that already has an
// unreplayed entry keeps the existing entry. An entry that was replayed is
// overwritten, since the replayed message failed again.
type Store interface {
	Record(ctx context.Context, entry types.DeadLetterEntry) error
	Get(ctx context.Context, requestID string) (*types.DeadLetterEntry, error)
	// List returns matching entries, newest first.
	List(ctx context.Context, filter Filter) ([]types.DeadLetterEntry, error)
	// MarkReplayed sets replayed_at/replayed_as once. A second call returns
	// ErrAlreadyReplayed.
	MarkReplayed(ctx context.Context, requestID, replayedAs string, at time.Time) error
	// ReleaseReplay undoes a MarkReplayed whose replayed_as still matches.
	// It is a no-op when the entry was re-marked or re-armed since.
	ReleaseReplay(ctx context.Context, requestID, replayedAs string) error
	Ping(ctx context.Context) error
}
