package worker

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy defines the exponential backoff for re-published attempts.
type RetryPolicy struct {
	// MaxRetries is the number of re-publishes allowed before dead-lettering.
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is the symmetric fraction applied to each delay, e.g. 0.1 = ±10%.
	Jitter float64
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    5,
	BaseDelay:     2 * time.Second,
	MaxDelay:      600 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        0.1,
}

// CalculateNextRetry computes the un-jittered delay after a failure at
// retryCount: min(BaseDelay * BackoffFactor^retryCount, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 2.0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < retryCount; i++ {
		delay *= factor
		if delay >= float64(policy.MaxDelay) {
			return policy.MaxDelay
		}
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	return d
}

// Delay returns the jittered delay for retryCount, never above MaxDelay.
// rnd yields values in [0, 1); nil uses math/rand/v2.
func (p RetryPolicy) Delay(retryCount int, rnd func() float64) time.Duration {
	return jitter(CalculateNextRetry(p, retryCount), p.Jitter, p.MaxDelay, rnd)
}

// Exhausted reports whether a failure at retryCount has used up the budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount+1 > p.MaxRetries
}

func jitter(d time.Duration, fraction float64, ceiling time.Duration, rnd func() float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	out := time.Duration(float64(d) * (1 + fraction*(2*rnd()-1)))
	if ceiling > 0 && out > ceiling {
		out = ceiling
	}
	if out < 0 {
		out = 0
	}
	return out
}
