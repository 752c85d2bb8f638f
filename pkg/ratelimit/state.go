// Package ratelimit implements the process-wide request gate used for every
// call to the OpenAQ API. It enforces a minimum spacing between requests, a cap
// on concurrent in-flight requests, and pauses when the X-RateLimit-* headers
// report an exhausted quota.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Response headers carrying the remote quota.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Thresholds for quota decisions.
const (
	// QuotaThresholdExhausted blocks new requests until the reset time when
	// remaining falls below this value.
	QuotaThresholdExhausted = 1

	// QuotaThresholdHealthy indicates normal operation.
	QuotaThresholdHealthy = 10
)

// QuotaState represents the most recent quota reported by the API.
type QuotaState struct {
	// Limit is the request budget of the current window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	// Calculated from the X-RateLimit-Reset header (seconds until reset).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= QuotaThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// ParseQuota extracts a QuotaState from response headers. ok is false when the
// response carried no quota headers.
func ParseQuota(h http.Header, now time.Time) (state QuotaState, ok bool) {
	remainStr := h.Get(HeaderRemaining)
	if remainStr == "" {
		return QuotaState{}, false
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return QuotaState{}, false
	}

	state = QuotaState{
		Remaining:  remain,
		LastUpdate: now,
	}
	if limit, err := strconv.Atoi(h.Get(HeaderLimit)); err == nil {
		state.Limit = limit
	}
	if reset, err := strconv.Atoi(h.Get(HeaderReset)); err == nil && reset > 0 {
		state.ResetAt = now.Add(time.Duration(reset) * time.Second)
	}
	state.UpdateHealth()
	return state, true
}

// NeedsBlock returns true if requests must wait for the window to reset.
func (s *QuotaState) NeedsBlock(now time.Time) bool {
	return s.Remaining < QuotaThresholdExhausted && s.ResetAt.After(now)
}

// TimeUntilReset returns the duration until the quota resets.
// Returns 0 if the reset time has already passed.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates the IsHealthy field based on current Remaining.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= QuotaThresholdHealthy
}
