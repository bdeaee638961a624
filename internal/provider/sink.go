// Package provider defines the narrow Send interface the workers deliver
// through, plus the channel router and rate-limit decorator that sit in front
// of the vendor clients.
package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"notifypipe/internal/types"
)

// Message is a rendered notification ready for a provider.
type Message struct {
	RequestID     string
	Channel       types.Channel
	Recipient     string
	Subject       string
	Body          string
	Priority      types.Priority
	CorrelationID string
}

// IdempotencyKey is the dedup key handed to providers that support one.
func (m Message) IdempotencyKey() string { return m.RequestID }

// Result is a provider's verdict on one send.
type Result struct {
	Status            types.OutcomeStatus
	ProviderMessageID string
	Reason            string
	// RetryAfter is the provider's requested backoff, if any.
	RetryAfter time.Duration
}

// Sink delivers one message. A non-nil error is classified with
// types.KindOf; without a PipelineError in the chain it is SEND_TRANSIENT.
// With a nil error, Result.Status is authoritative.
type Sink interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) (Result, error)

func (f SinkFunc) Send(ctx context.Context, msg Message) (Result, error) { return f(ctx, msg) }

// Delivered builds a delivered Result.
func Delivered(providerMessageID string) Result {
	return Result{Status: types.OutcomeDelivered, ProviderMessageID: providerMessageID}
}

// Transient builds a transient failure and its matching error.
func Transient(reason string, retryAfter time.Duration, cause error) (Result, error) {
	return Result{Status: types.OutcomeTransientFailure, Reason: reason, RetryAfter: retryAfter},
		types.NewPipelineError(types.KindSendTransient, reason, cause)
}

// Permanent builds a permanent failure and its matching error.
func Permanent(reason string, cause error) (Result, error) {
	return Result{Status: types.OutcomePermanentFailure, Reason: reason},
		types.NewPipelineError(types.KindSendPermanent, reason, cause)
}

// Router dispatches to the sink registered for a message's channel.
type Router struct {
	sinks map[types.Channel]Sink
}

// NewRouter creates a Router from a channel->sink map.
func NewRouter(sinks map[types.Channel]Sink) *Router {
	m := make(map[types.Channel]Sink, len(sinks))
	for ch, s := range sinks {
		m[ch] = s
	}
	return &Router{sinks: m}
}

// Send routes msg. A channel without a sink is a permanent failure.
func (r *Router) Send(ctx context.Context, msg Message) (Result, error) {
	s, ok := r.sinks[msg.Channel]
	if !ok {
		return Permanent(fmt.Sprintf("no provider configured for channel %q", msg.Channel), nil)
	}
	return s.Send(ctx, msg)
}

// RateLimited throttles sends to a provider with a token bucket.
type RateLimited struct {
	next    Sink
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends with the given burst.
func NewRateLimited(next Sink, perSecond float64, burst int) *RateLimited {
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send waits for a token, bounded by ctx. Running out of time while waiting
// is a transient failure; nothing was sent.
func (r *RateLimited) Send(ctx context.Context, msg Message) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Transient("provider rate limit wait aborted", 0, err)
	}
	return r.next.Send(ctx, msg)
}
