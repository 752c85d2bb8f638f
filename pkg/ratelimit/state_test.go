package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseQuota(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name            string
		headers         map[string]string
		wantOK          bool
		expectedRemain  int
		expectedLimit   int
		expectedReset   time.Time
		expectedHealthy bool
	}{
		{
			name: "healthy state",
			headers: map[string]string{
				HeaderLimit:     "60",
				HeaderRemaining: "58",
				HeaderReset:     "30",
			},
			wantOK:          true,
			expectedRemain:  58,
			expectedLimit:   60,
			expectedReset:   now.Add(30 * time.Second),
			expectedHealthy: true,
		},
		{
			name: "exhausted",
			headers: map[string]string{
				HeaderRemaining: "0",
				HeaderReset:     "12",
			},
			wantOK:          true,
			expectedRemain:  0,
			expectedReset:   now.Add(12 * time.Second),
			expectedHealthy: false,
		},
		{
			name:    "no headers",
			headers: map[string]string{},
			wantOK:  false,
		},
		{
			name: "garbage remaining",
			headers: map[string]string{
				HeaderRemaining: "lots",
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			state, ok := ParseQuota(h, now)
			if ok != tt.wantOK {
				t.Fatalf("ParseQuota() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if state.Remaining != tt.expectedRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.expectedRemain)
			}
			if state.Limit != tt.expectedLimit {
				t.Errorf("Limit = %d, want %d", state.Limit, tt.expectedLimit)
			}
			if !state.ResetAt.Equal(tt.expectedReset) {
				t.Errorf("ResetAt = %v, want %v", state.ResetAt, tt.expectedReset)
			}
			if state.IsHealthy != tt.expectedHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectedHealthy)
			}
		})
	}
}

func TestQuotaState_NeedsBlock(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		remaining int
		resetAt   time.Time
		expected  bool
	}{
		{
			name:      "requests left",
			remaining: 5,
			resetAt:   now.Add(time.Minute),
			expected:  false,
		},
		{
			name:      "exhausted before reset",
			remaining: 0,
			resetAt:   now.Add(time.Minute),
			expected:  true,
		},
		{
			name:      "exhausted but reset passed",
			remaining: 0,
			resetAt:   now.Add(-time.Second),
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &QuotaState{Remaining: tt.remaining, ResetAt: tt.resetAt}
			if got := state.NeedsBlock(now); got != tt.expected {
				t.Errorf("NeedsBlock() = %v, want %v (remaining=%d)", got, tt.expected, tt.remaining)
			}
		})
	}
}

func TestQuotaState_TimeUntilReset(t *testing.T) {
	now := time.Now()

	future := &QuotaState{ResetAt: now.Add(5 * time.Minute)}
	if got := future.TimeUntilReset(now); got != 5*time.Minute {
		t.Errorf("TimeUntilReset() = %v, want 5m", got)
	}

	past := &QuotaState{ResetAt: now.Add(-5 * time.Minute)}
	if got := past.TimeUntilReset(now); got != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0 for past reset time", got)
	}
}

func TestThresholdConstants(t *testing.T) {
	if QuotaThresholdExhausted >= QuotaThresholdHealthy {
		t.Errorf("QuotaThresholdExhausted (%d) must be less than QuotaThresholdHealthy (%d)",
			QuotaThresholdExhausted, QuotaThresholdHealthy)
	}
}
