package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Prometheus metrics for the request gate.
var (
	openaqInflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openaq_inflight_requests",
		Help: "Number of permits currently held by outbound requests",
	})

	openaqPermitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "openaq_permit_wait_seconds",
		Help:    "Time spent waiting for a request permit",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	})

	openaqQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openaq_quota_remaining",
		Help: "Requests remaining in the current API quota window",
	})

	openaqQuotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openaq_quota_blocks_total",
		Help: "Total number of acquisitions delayed by an exhausted quota",
	})
)

// Config holds the limiter configuration.
type Config struct {
	// MinInterval is the minimum spacing between two granted permits.
	// Zero disables spacing.
	MinInterval time.Duration

	// MaxConcurrent caps the number of outstanding permits.
	MaxConcurrent int
}

// Limiter grants permits for outbound requests. It is safe for concurrent use
// and admits waiters in FIFO order.
type Limiter struct {
	spacing *rate.Limiter
	slots   *semaphore.Weighted
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	quota QuotaState
}

// New creates a limiter. MaxConcurrent values below 1 are treated as 1.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Limiter{
		spacing: rate.NewLimiter(limit, 1),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Permit is a granted request slot. Release must be called once the request
// has completed; extra calls are ignored.
type Permit struct {
	once    sync.Once
	limiter *Limiter
}

// Release returns the concurrency slot held by the permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		openaqInflightRequests.Dec()
		p.limiter.slots.Release(1)
	})
}

// Acquire blocks until a concurrency slot is free, the quota allows a request
// and MinInterval has elapsed since the previous grant. It only fails when ctx
// is done.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	start := l.now()

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.waitQuota(ctx); err != nil {
		l.slots.Release(1)
		return nil, err
	}
	if err := l.spacing.Wait(ctx); err != nil {
		l.slots.Release(1)
		return nil, err
	}

	openaqInflightRequests.Inc()
	openaqPermitWaitSeconds.Observe(l.now().Sub(start).Seconds())
	return &Permit{limiter: l}, nil
}

// waitQuota sleeps until the reported quota window resets when the API said
// no requests are left.
func (l *Limiter) waitQuota(ctx context.Context) error {
	for {
		l.mu.Lock()
		state := l.quota
		l.mu.Unlock()

		now := l.now()
		if !state.NeedsBlock(now) {
			return nil
		}

		wait := state.TimeUntilReset(now)
		openaqQuotaBlocksTotal.Inc()
		l.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("API quota exhausted - delaying request")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Observe updates the quota state from response headers. Responses without
// quota headers leave the state untouched.
func (l *Limiter) Observe(h http.Header) {
	state, ok := ParseQuota(h, l.now())
	if !ok {
		return
	}

	l.mu.Lock()
	l.quota = state
	l.mu.Unlock()

	openaqQuotaRemaining.Set(float64(state.Remaining))
	if !state.IsHealthy {
		l.logger.Debug().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("API quota low")
	}
}

// Quota returns the last observed quota state.
func (l *Limiter) Quota() QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quota
}
