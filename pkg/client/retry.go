package client

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Jitter bounds applied to computed backoff delays.
const (
	MinJitter = 0.5
	MaxJitter = 1.5
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the backoff before the first retry (before jitter).
	BaseDelay time.Duration

	// MaxDelay caps a single computed backoff.
	MaxDelay time.Duration

	// MaxTotalWait caps the sum of all backoffs for one logical request.
	// Zero means unbounded.
	MaxTotalWait time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxTotalWait: 5 * time.Minute,
	}
}

// Backoff returns the delay before retry number attempt+1. attempt is zero
// based: the delay after the first failed attempt is Backoff(0, ...).
//
// A rate-limit response that carried a Retry-After value waits exactly that
// long. Otherwise the delay is min(MaxDelay, BaseDelay*2^attempt) scaled by
// jitter, which is clamped to [MinJitter, MaxJitter].
func (c RetryConfig) Backoff(attempt int, class ErrorClass, retryAfter time.Duration, jitter float64) time.Duration {
	if class == ErrorClassRateLimit && retryAfter > 0 {
		return retryAfter
	}

	jitter = math.Max(MinJitter, math.Min(MaxJitter, jitter))

	delay := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay * jitter)
}

// defaultJitter draws a factor uniformly from [MinJitter, MaxJitter).
func defaultJitter() float64 {
	return MinJitter + rand.Float64()*(MaxJitter-MinJitter)
}

// parseRetryAfter reads a Retry-After header given either as delta seconds
// or as an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Clock abstracts time so retry waits can be observed in tests.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Sleep waits for d with context cancellation support.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
