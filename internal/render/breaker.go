package render

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"notifypipe/internal/types"
)

// BreakerSettings tunes the render circuit breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	Cooldown         time.Duration
	Window           time.Duration
}

// BreakerClient decorates a Client with a circuit breaker. The breaker trips
// after FailureThreshold consecutive transient failures and stays open for
// Cooldown, after which a single trial call is let through.
type BreakerClient struct {
	next   Client
	cb     *gobreaker.CircuitBreaker[*Rendered]
	logger types.Logger
}

// NewBreakerClient wraps next.
func NewBreakerClient(next Client, s BreakerSettings, logger types.Logger) *BreakerClient {
	if s.Name == "" {
		s.Name = "template-service"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if logger == nil {
		logger = types.NopLogger{}
	}

	b := &BreakerClient{next: next, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker[*Rendered](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Window,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return b
}

// countsAsSuccess keeps permanent render errors and caller cancellation out
// of the failure count: neither says anything about the service's health.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return types.KindOf(err, types.KindRenderTransient) == types.KindRenderPermanent
}

// Render calls the wrapped client unless the breaker is open, in which case
// it fails fast with RENDER_UNAVAILABLE.
func (b *BreakerClient) Render(ctx context.Context, templateID string, data map[string]any, languageCode string) (*Rendered, error) {
	out, err := b.cb.Execute(func() (*Rendered, error) {
		return b.next.Render(ctx, templateID, data, languageCode)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.NewPipelineError(types.KindRenderUnavailable, "template service circuit open", err)
	}
	return out, err
}

// State reports the breaker state, e.g. "closed", "open", "half-open".
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}
