package worker

import (
	"context"
	"time"

	"notifypipe/internal/types"
)

// Metrics is the observability surface of the worker. Implementations live in
// internal/metrics.
type Metrics interface {
	// RecordDelivery counts one handled message by its disposition.
	RecordDelivery(ctx context.Context, channel types.Channel, result string)
	// RecordLatency records how long a pipeline stage ("render", "send") took.
	RecordLatency(ctx context.Context, channel types.Channel, stage string, d time.Duration)
	// RecordQueueLag records the time between enqueue and processing start.
	RecordQueueLag(ctx context.Context, channel types.Channel, lag time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, types.Channel, string)                {}
func (NopMetrics) RecordLatency(context.Context, types.Channel, string, time.Duration) {}
func (NopMetrics) RecordQueueLag(context.Context, types.Channel, time.Duration)        {}
