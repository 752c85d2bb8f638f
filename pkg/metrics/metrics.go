// Package metrics exposes the harvester's Prometheus metrics.
// All metrics are defined in their respective packages (ratelimit, client,
// pagination, checkpoint, batch, walker) and registered via promauto with the
// default registerer.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every harvester metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve runs the metrics server until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := NewServer(addr)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - openaq_inflight_requests (Gauge): Requests holding a concurrency permit
//   - openaq_permit_wait_seconds (Histogram): Time spent waiting for a permit
//   - openaq_quota_remaining (Gauge): Last X-RateLimit-Remaining seen
//   - openaq_quota_blocks_total (Counter): Permits delayed until the quota reset
//
// Request Metrics (pkg/client):
//   - openaq_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - openaq_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - openaq_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//
// Retry Metrics (pkg/client):
//   - openaq_retries_total{error_class} (Counter): Retry attempts by error class
//   - openaq_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - openaq_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pagination Metrics (pkg/pagination):
//   - openaq_pages_total{endpoint} (Counter): Pages fetched
//   - openaq_pagination_contract_errors_total{endpoint} (Counter): Pages violating the paging contract
//
// Output Metrics (pkg/batch, pkg/checkpoint):
//   - openaq_batches_flushed_total{kind} (Counter): Output files committed
//   - openaq_records_written_total{kind} (Counter): Records committed to output files
//   - openaq_batch_flush_duration_seconds{kind} (Histogram): Stage plus commit time
//   - openaq_checkpoint_entries_total{type} (Counter): Checkpoint log appends
//   - openaq_checkpoint_completed_resources (Gauge): Resources marked complete
//
// Walker Metrics (pkg/walker):
//   - openaq_resources_total{kind, outcome} (Counter): Resources by outcome (complete, skipped, failed, interrupted)
//   - openaq_walker_queue_depth (Gauge): Resources waiting to be walked
//
// Example Prometheus Queries:
//
//   # Records per second
//   sum(rate(openaq_records_written_total[5m])) by (kind)
//
//   # Quota headroom
//   openaq_quota_remaining < 5
//
//   # Failed resources
//   sum(openaq_resources_total{outcome="failed"}) by (kind)
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(openaq_request_duration_seconds_bucket[5m]))
