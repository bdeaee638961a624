// Package external holds the vendor clients behind the provider Sink
// interface. All outbound HTTP calls go through BaseClient, which applies a
// per-vendor circuit breaker, correlation headers, and Retry-After parsing.
// BaseClient does not retry: the pipeline owns retries, and a blind resend
// to a provider without an idempotency key risks a duplicate notification.
package external

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"notifypipe/internal/types"
)

// errUpstreamStatus marks 429/5xx responses as breaker failures.
var errUpstreamStatus = errors.New("upstream returned retryable status")

// BreakerSettings tunes a vendor circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
}

// DefaultBreakerSettings returns conservative defaults for provider APIs.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker. Vendor clients
// (SendGrid, FCM) embed it to share the same failure accounting.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
	now       func() time.Time
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithNowFunc overrides the clock used to interpret HTTP-date Retry-After values.
func WithNowFunc(fn func() time.Time) BaseClientOption {
	return func(c *BaseClient) { c.now = fn }
}

// NewBaseClient creates a BaseClient with its own breaker named breakerName.
func NewBaseClient(httpClient *http.Client, breakerName string, s BreakerSettings, userAgent string, opts ...BaseClientOption) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
	})
	return NewBaseClientWithBreaker(httpClient, cb, userAgent, opts...)
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided breaker.
func NewBaseClientWithBreaker(httpClient *http.Client, breaker *gobreaker.CircuitBreaker[*http.Response], userAgent string, opts ...BaseClientOption) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	bc := &BaseClient{
		client:    httpClient,
		breaker:   breaker,
		userAgent: userAgent,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes req through the breaker. Any HTTP response, including 429 and
// 5xx, is returned for the caller to classify; those statuses still count as
// breaker failures. An error is returned only when no response exists:
// transport failure or an open breaker. Both are wrapped as SEND_TRANSIENT.
//
// The caller closes the response body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if id := types.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			return r, fmt.Errorf("%w: %d", errUpstreamStatus, r.StatusCode)
		}
		return r, nil
	})
	if resp != nil {
		return resp, nil
	}
	return nil, c.mapError(err)
}

// State reports the breaker state.
func (c *BaseClient) State() gobreaker.State {
	return c.breaker.State()
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// It returns 0 when the header is absent or unparseable.
func (c *BaseClient) RetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}

// mapError wraps a failed call with no response.
func (c *BaseClient) mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewPipelineError(types.KindSendTransient, "provider circuit open",
			types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker is open; upstream service unavailable", err))
	}
	return types.NewPipelineError(types.KindSendTransient, "provider request failed",
		types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err))
}
