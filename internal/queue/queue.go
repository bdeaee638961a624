// Package queue defines the dispatch queue contract shared by the gateway and
// the channel workers. Backends live in the memory, rabbitmq and sqs
// subpackages.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifypipe/internal/types"
)

// Topology names. The SQS backend maps these names onto queue URLs.
const (
	ExchangeName        = "notifications.direct"
	DelayedExchangeName = "notifications.delayed"
	DeadLetterExchange  = "notifications.dlx"

	PushQueue   = "push.queue"
	EmailQueue  = "email.queue"
	FailedQueue = "failed.queue"
)

// ErrClosed is returned by operations on a broker that has been closed.
var ErrClosed = errors.New("queue: broker closed")

// ErrUnknownQueue is returned when a queue name has no backing resource.
var ErrUnknownQueue = errors.New("queue: unknown queue")

// QueueFor returns the work queue for a channel.
func QueueFor(ch types.Channel) (string, error) {
	switch ch {
	case types.ChannelPush:
		return PushQueue, nil
	case types.ChannelEmail:
		return EmailQueue, nil
	default:
		return "", fmt.Errorf("%w: no queue for channel %q", ErrUnknownQueue, ch)
	}
}

// Publisher publishes durable messages. A nil error means the broker has
// accepted responsibility for the message.
type Publisher interface {
	Publish(ctx context.Context, queueName string, req types.NotificationRequest) error
	PublishDelayed(ctx context.Context, queueName string, req types.NotificationRequest, delay time.Duration) error
}

// Consumer yields deliveries until ctx is cancelled, then closes the channel.
// Unacknowledged deliveries are returned to the broker.
type Consumer interface {
	Consume(ctx context.Context, queueName string) (<-chan Delivery, error)
}

// Broker is the full dispatch queue contract.
type Broker interface {
	Publisher
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one received message. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Message() types.NotificationRequest
	Queue() string
	// Attempt is the broker-side delivery count, starting at 1. Backends that
	// cannot tell return 1 for a first delivery and 2 for any redelivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack with requeue=true returns the message for redelivery; requeue=false
	// routes it to failed.queue.
	Nack(ctx context.Context, requeue bool) error
}

// Encode serializes the envelope.
func Encode(req types.NotificationRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal envelope: %w", err)
	}
	return body, nil
}

// Decode parses an envelope and rejects messages that cannot be routed.
func Decode(body []byte) (types.NotificationRequest, error) {
	var req types.NotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("queue: unmarshal envelope: %w", err)
	}
	if req.RequestID == "" {
		return req, errors.New("queue: envelope missing request_id")
	}
	if !req.Channel.Valid() {
		return req, fmt.Errorf("queue: envelope has invalid channel %q", req.Channel)
	}
	return req, nil
}

// Backoff returns the reconnect wait for the given attempt (0-based):
// floor doubled per attempt, capped at ceiling.
func Backoff(attempt int, floor, ceiling time.Duration) time.Duration {
	d := floor
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
