package client

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", config.MaxRetries)
	}
	if config.BaseDelay != 1*time.Second {
		t.Errorf("BaseDelay = %v, want 1s", config.BaseDelay)
	}
	if config.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", config.MaxDelay)
	}
	if config.MaxTotalWait != 5*time.Minute {
		t.Errorf("MaxTotalWait = %v, want 5m", config.MaxTotalWait)
	}
}

func TestBackoff_Growth(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		got := config.Backoff(tt.attempt, ErrorClassServer, 0, 1.0)
		if got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoff_NonDecreasingAndBounded(t *testing.T) {
	config := RetryConfig{BaseDelay: 500 * time.Millisecond, MaxDelay: 20 * time.Second}

	for _, jitter := range []float64{MinJitter, 1.0, MaxJitter} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			got := config.Backoff(attempt, ErrorClassNetwork, 0, jitter)
			if got < prev {
				t.Errorf("jitter %.1f: Backoff(%d) = %v, smaller than previous %v", jitter, attempt, got, prev)
			}
			if limit := time.Duration(float64(config.MaxDelay) * MaxJitter); got > limit {
				t.Errorf("jitter %.1f: Backoff(%d) = %v, exceeds %v", jitter, attempt, got, limit)
			}
			prev = got
		}
	}
}

func TestBackoff_JitterClamped(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute}

	if got := config.Backoff(0, ErrorClassServer, 0, 0.1); got != 500*time.Millisecond {
		t.Errorf("Backoff() with low jitter = %v, want 500ms", got)
	}
	if got := config.Backoff(0, ErrorClassServer, 0, 3); got != 1500*time.Millisecond {
		t.Errorf("Backoff() with high jitter = %v, want 1.5s", got)
	}
}

func TestBackoff_RetryAfter(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute}

	if got := config.Backoff(0, ErrorClassRateLimit, 2*time.Second, 1.5); got != 2*time.Second {
		t.Errorf("Backoff() with Retry-After = %v, want 2s", got)
	}
	// Retry-After only applies to rate limit responses.
	if got := config.Backoff(0, ErrorClassServer, 7*time.Second, 1.0); got != time.Second {
		t.Errorf("Backoff() for server error = %v, want 1s", got)
	}
}

func TestDefaultJitter(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := defaultJitter()
		if j < MinJitter || j > MaxJitter {
			t.Fatalf("defaultJitter() = %v, want in [%v, %v]", j, MinJitter, MaxJitter)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
		ok       bool
	}{
		{name: "seconds", value: "2", expected: 2 * time.Second, ok: true},
		{name: "zero", value: "0", expected: 0, ok: true},
		{name: "http date", value: now.Add(90 * time.Second).Format(http.TimeFormat), expected: 90 * time.Second, ok: true},
		{name: "past date", value: now.Add(-time.Minute).Format(http.TimeFormat), expected: 0, ok: true},
		{name: "missing", value: "", ok: false},
		{name: "negative", value: "-3", ok: false},
		{name: "garbage", value: "soon", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			got, ok := parseRetryAfter(h, now)
			if ok != tt.ok {
				t.Fatalf("parseRetryAfter() ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("parseRetryAfter() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRealClock_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Minute)
	if err == nil {
		t.Error("Sleep() on cancelled context should return an error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() should return immediately on cancelled context")
	}
}

func TestRealClock_Sleep(t *testing.T) {
	start := time.Now()
	if err := (RealClock{}).Sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Sleep() returned after %v, want >= 20ms", elapsed)
	}
}
