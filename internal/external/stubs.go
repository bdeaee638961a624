package external

import (
	"context"
	"fmt"

	"notifypipe/internal/provider"
	"notifypipe/internal/types"
)

// StubSink logs every message and reports it delivered. Used with
// PROVIDER_KIND=stub so the pipeline runs without vendor credentials.
type StubSink struct {
	channel types.Channel
	logger  types.Logger
}

// NewStubSink creates a StubSink for one channel.
func NewStubSink(channel types.Channel, logger types.Logger) *StubSink {
	return &StubSink{channel: channel, logger: logger}
}

func (s *StubSink) Send(_ context.Context, msg provider.Message) (provider.Result, error) {
	s.logger.Info("stub: send called",
		"channel", s.channel,
		"request_id", msg.RequestID,
		"correlation_id", msg.CorrelationID,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
	)
	return provider.Delivered(fmt.Sprintf("stub_%s", msg.RequestID)), nil
}

var _ provider.Sink = (*StubSink)(nil)
