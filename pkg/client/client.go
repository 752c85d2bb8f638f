// Package client provides the OpenAQ HTTP fetcher with rate limiting,
// retry/backoff and error classification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	openaqRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_requests_total",
		Help: "Total OpenAQ request attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	openaqRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openaq_request_duration_seconds",
		Help:    "OpenAQ request attempt duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	openaqErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_errors_total",
		Help: "Total OpenAQ errors by class",
	}, []string{"class"})

	openaqRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	openaqRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openaq_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	openaqRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Attempt outcomes reported on AttemptEvent.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// Limiter gates outbound requests.
type Limiter interface {
	Acquire(ctx context.Context) (*ratelimit.Permit, error)
	Observe(h http.Header)
}

// Request is one logical GET against the API.
type Request struct {
	// Path is appended to the base URL, e.g. "/locations/3/sensors".
	Path string

	// Query holds the query parameters.
	Query url.Values

	// Endpoint is a low-cardinality name used for metrics and logs,
	// e.g. "/locations/{id}/sensors". Defaults to Path.
	Endpoint string
}

// RawResponse is a successful (2xx) response.
type RawResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// AttemptEvent describes one HTTP attempt of a logical request.
type AttemptEvent struct {
	URL        string
	Attempt    int
	Latency    time.Duration
	StatusCode int
	Outcome    string
	Class      ErrorClass
	Delay      time.Duration
	Err        error
}

// Config holds the fetcher configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://api.openaq.org/v3".
	BaseURL string

	// APIKey is sent as the X-API-Key header.
	APIKey string

	// UserAgent header value.
	UserAgent string

	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration

	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:        "https://api.openaq.org/v3",
		APIKey:         apiKey,
		UserAgent:      "openaq-harvester/1.0",
		RequestTimeout: 30 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// Client fetches OpenAQ resources.
type Client struct {
	httpClient *http.Client
	limiter    Limiter
	config     Config
	logger     zerolog.Logger
	clock      Clock
	jitter     func() float64
	hook       func(AttemptEvent)
}

// New creates a new fetcher. Every attempt goes through limiter.
func New(cfg Config, limiter Limiter) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := log.With().Str("component", "openaq-client").Logger()

	return &Client{
		httpClient: &http.Client{},
		limiter:    limiter,
		config:     cfg,
		logger:     logger,
		clock:      RealClock{},
		jitter:     defaultJitter,
	}, nil
}

// Fetch performs a logical GET with retries. It returns a *FetchError for
// terminal failures.
//
// ctx governs waiting for a permit and backoff sleeps. An attempt already on
// the wire is detached from ctx and bounded by RequestTimeout only, so
// cancellation never aborts a request mid-flight.
func (c *Client) Fetch(ctx context.Context, req Request) (*RawResponse, error) {
	target := c.buildURL(req)
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Path
	}

	var waited time.Duration
	for attempt := 0; ; attempt++ {
		permit, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire permit: %w", err)
		}

		start := c.clock.Now()
		resp, body, reqErr := c.do(ctx, target)
		permit.Release()
		latency := c.clock.Now().Sub(start)
		openaqRequestDuration.WithLabelValues(endpoint).Observe(latency.Seconds())

		ev := AttemptEvent{URL: target, Attempt: attempt + 1, Latency: latency}

		var class ErrorClass
		var retryAfter time.Duration
		switch {
		case reqErr != nil:
			class = ErrorClassNetwork
			ev.Err = reqErr
			openaqRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		default:
			ev.StatusCode = resp.StatusCode
			c.limiter.Observe(resp.Header)
			openaqRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				ev.Outcome = OutcomeSuccess
				c.emit(ev)
				return &RawResponse{
					URL:        target,
					StatusCode: resp.StatusCode,
					Header:     resp.Header,
					Body:       body,
					Attempts:   attempt + 1,
				}, nil
			}

			class = classifyStatus(resp.StatusCode)
			ev.Err = fmt.Errorf("unexpected status %s", resp.Status)
			if class == ErrorClassRateLimit {
				retryAfter, _ = parseRetryAfter(resp.Header, c.clock.Now())
			}
		}
		ev.Class = class
		openaqErrorsTotal.WithLabelValues(string(class)).Inc()

		fail := func(err error) (*RawResponse, error) {
			ev.Outcome = OutcomeFailed
			c.emit(ev)
			fe := &FetchError{
				URL:      target,
				Class:    class,
				Attempts: attempt + 1,
				Err:      err,
			}
			if resp != nil {
				fe.StatusCode = resp.StatusCode
				fe.BodyExcerpt = excerpt(body)
			}
			return nil, fe
		}

		if !shouldRetry(class) {
			return fail(ev.Err)
		}
		if attempt >= c.config.Retry.MaxRetries {
			openaqRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
			return fail(fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt+1, ev.Err))
		}

		delay := c.config.Retry.Backoff(attempt, class, retryAfter, c.jitter())
		if limit := c.config.Retry.MaxTotalWait; limit > 0 && waited+delay > limit {
			openaqRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
			return fail(fmt.Errorf("%w: total wait would exceed %v: %w", ErrRetryExhausted, limit, ev.Err))
		}

		ev.Outcome = OutcomeRetry
		ev.Delay = delay
		c.emit(ev)

		openaqRetriesTotal.WithLabelValues(string(class)).Inc()
		openaqRetryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		if err := c.clock.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry backoff: %w", err)
		}
		waited += delay
	}
}

// FetchJSON fetches req and decodes the body into v. A body that is not
// valid JSON for v is a terminal ErrorClassMalformed failure.
func (c *Client) FetchJSON(ctx context.Context, req Request, v any) error {
	raw, err := c.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw.Body, v); err != nil {
		openaqErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		c.logger.Warn().
			Str("url", raw.URL).
			Err(err).
			Msg("Malformed response body")
		return &FetchError{
			URL:         raw.URL,
			StatusCode:  raw.StatusCode,
			Class:       ErrorClassMalformed,
			Attempts:    raw.Attempts,
			BodyExcerpt: excerpt(raw.Body),
			Err:         err,
		}
	}
	return nil
}

// do executes a single attempt and reads the full body.
func (c *Client) do(ctx context.Context, target string) (*http.Response, []byte, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, body, nil
}

func (c *Client) buildURL(req Request) string {
	u := c.config.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

// emit logs one attempt and forwards it to the hook.
func (c *Client) emit(ev AttemptEvent) {
	var e *zerolog.Event
	switch ev.Outcome {
	case OutcomeSuccess:
		e = c.logger.Debug()
	case OutcomeRetry:
		e = c.logger.Warn()
	default:
		e = c.logger.Error()
	}
	e = e.Str("url", ev.URL).
		Int("attempt", ev.Attempt).
		Dur("latency", ev.Latency).
		Str("outcome", ev.Outcome)
	if ev.StatusCode > 0 {
		e = e.Int("status", ev.StatusCode)
	}
	if ev.Class != "" {
		e = e.Str("error_class", string(ev.Class))
	}
	if ev.Delay > 0 {
		e = e.Dur("backoff", ev.Delay)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg("OpenAQ request attempt")

	if c.hook != nil {
		c.hook(ev)
	}
}

// IsTerminal reports whether err is a fetch failure that retrying the whole
// resource would not fix, as opposed to context cancellation.
func IsTerminal(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetClock replaces the clock used for backoff sleeps.
func (c *Client) SetClock(clock Clock) {
	c.clock = clock
}

// SetJitter replaces the jitter source. fn must return values in [0.5, 1.5].
func (c *Client) SetJitter(fn func() float64) {
	c.jitter = fn
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// OnAttempt registers a hook receiving every AttemptEvent. It must be set
// before the client is used concurrently.
func (c *Client) OnAttempt(fn func(AttemptEvent)) {
	c.hook = fn
}
