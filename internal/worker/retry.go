package worker

import (
	"math"
	"time"
)

// RetryPolicy defines capped exponential backoff parameters. Retries are not
// bounded in count.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy: 1s, 2s, 4s ... capped at two minutes.
var DefaultRetryPolicy = RetryPolicy{
	InitialDelay:  time.Second,
	MaxDelay:      2 * time.Minute,
	BackoffFactor: 2,
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Delay is the wait before retry number attempt; a server-provided
// retryAfter lower-bounds it.
func (r RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	d := r.NextDelay(attempt)
	if retryAfter > d {
		return retryAfter
	}
	return d
}
