package worker

import (
	"context"
	"time"

	"notifypipe/internal/types"
)

// ReaperStore is the idempotency subset the reaper needs.
type ReaperStore interface {
	GetStale(ctx context.Context, olderThan time.Time) ([]string, error)
	Reclaim(ctx context.Context, requestID string, olderThan time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Reaper removes in_progress claims abandoned by crashed workers and purges
// expired records. A reclaimed request is processed again on its next
// redelivery.
type Reaper struct {
	store      ReaperStore
	staleAfter time.Duration
	interval   time.Duration
	clock      types.Clock
	logger     types.Logger
}

// NewReaper creates a Reaper.
func NewReaper(store ReaperStore, staleAfter, interval time.Duration, clock types.Clock, logger types.Logger) *Reaper {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Reaper{store: store, staleAfter: staleAfter, interval: interval, clock: clock, logger: logger}
}

// RunOnce performs one sweep.
func (r *Reaper) RunOnce(ctx context.Context) (reclaimed, purged int, err error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.staleAfter)

	ids, err := r.store.GetStale(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		ok, err := r.store.Reclaim(ctx, id, cutoff)
		if err != nil {
			r.logger.Warn("failed to reclaim stale claim", "request_id", id, "error", err)
			continue
		}
		if ok {
			reclaimed++
			r.logger.Warn("reclaimed stale in_progress record", "request_id", id, "stale_after", r.staleAfter)
		}
	}

	purged, err = r.store.PurgeExpired(ctx, now)
	if err != nil {
		return reclaimed, 0, err
	}
	return reclaimed, purged, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, purged, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("idempotency sweep failed", "error", err)
				continue
			}
			if reclaimed > 0 || purged > 0 {
				r.logger.Info("idempotency sweep complete", "reclaimed", reclaimed, "purged", purged)
			}
		}
	}
}
