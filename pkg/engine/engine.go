// Package engine runs one harvest: it opens or resumes the run checkpoint,
// wires the batch writer's flush hooks to the checkpoint and walker, walks
// every scope and writes the run summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/batch"
	"github.com/Sternrassler/openaq-harvester/pkg/checkpoint"
	"github.com/Sternrassler/openaq-harvester/pkg/client"
	"github.com/Sternrassler/openaq-harvester/pkg/config"
	"github.com/Sternrassler/openaq-harvester/pkg/logging"
	"github.com/Sternrassler/openaq-harvester/pkg/pagination"
	"github.com/Sternrassler/openaq-harvester/pkg/ratelimit"
	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/Sternrassler/openaq-harvester/pkg/summary"
	"github.com/Sternrassler/openaq-harvester/pkg/walker"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrIOFailure wraps output and checkpoint failures. They abort the run.
var ErrIOFailure = errors.New("output or checkpoint I/O failure")

// Sink is the batch sink of a run.
type Sink interface {
	batch.Sink

	// Dir is where the run summary is written.
	Dir() string

	// Exists reports whether a committed unit is on disk.
	Exists(unit string) bool

	// CleanStale removes units staged by an interrupted flush.
	CleanStale() (int, error)
}

// Deps are optional collaborators. Zero values are built from the
// configuration.
type Deps struct {
	// Fetcher defaults to a rate-limited client.Client.
	Fetcher pagination.Fetcher

	// OpenLog opens the checkpoint log of a run. Defaults to the configured
	// bolt or redis backend.
	OpenLog func(ctx context.Context, runID string) (checkpoint.Log, error)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is safe to reuse for consecutive runs, not for concurrent ones.
type Engine struct {
	cfg    config.Config
	deps   Deps
	logger zerolog.Logger
}

// New validates cfg and builds the fetcher. It does not touch the network.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    *cfg,
		deps:   deps,
		logger: logging.NewLogger("engine"),
	}
	if e.deps.Now == nil {
		e.deps.Now = time.Now
	}
	if e.deps.Fetcher == nil {
		f, err := newFetcher(e.cfg)
		if err != nil {
			return nil, err
		}
		e.deps.Fetcher = f
	}
	if e.deps.OpenLog == nil {
		e.deps.OpenLog = e.openLog
	}
	return e, nil
}

func newFetcher(cfg config.Config) (*client.Client, error) {
	limiter := ratelimit.New(ratelimit.Config{
		MinInterval:   cfg.MinInterval(),
		MaxConcurrent: cfg.MaxConcurrentRequests,
	}, logging.NewLogger("ratelimit"))

	c, err := client.New(client.Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		UserAgent:      cfg.UserAgent,
		RequestTimeout: cfg.RequestTimeout,
		Retry: client.RetryConfig{
			MaxRetries:   cfg.MaxRetries,
			BaseDelay:    cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			MaxTotalWait: cfg.Retry.MaxTotalWait,
		},
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	return c, nil
}

func (e *Engine) openLog(ctx context.Context, runID string) (checkpoint.Log, error) {
	if e.cfg.Checkpoint.Backend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: e.cfg.Checkpoint.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connecting to redis %s: %w", e.cfg.Checkpoint.RedisAddr, err)
		}
		return checkpoint.NewRedisLog(rdb, runID)
	}

	path := e.cfg.CheckpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return checkpoint.OpenBolt(path, runID)
}

// Run harvests scopes into sink. With an empty scopes slice the configured
// scopes are used. A resumed run (config run_id with an existing header)
// reuses the scopes, mode and date window stored in its header.
//
// The returned summary is non-nil once the checkpoint is open. Resource
// failures only affect the summary status. Cancelling ctx stops the walk,
// flushes what was read and returns ctx's error with status interrupted.
// Output and checkpoint failures return an error wrapping ErrIOFailure with
// status aborted.
func (e *Engine) Run(ctx context.Context, scopes []walker.Scope, sink Sink) (sum *summary.RunSummary, err error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is required", config.ErrInvalidConfig)
	}
	if len(scopes) == 0 {
		if scopes, err = e.cfg.ParsedScopes(); err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
	}

	runID := e.cfg.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	logger := e.logger.With().Str("run_id", runID).Logger()

	log, err := e.deps.OpenLog(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: opening checkpoint: %w", ErrIOFailure, err)
	}
	cp := checkpoint.Open(log, runID, logging.NewLogger("checkpoint"))
	defer func() {
		if cerr := cp.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("Closing checkpoint failed")
			if err == nil {
				err = fmt.Errorf("%w: closing checkpoint: %w", ErrIOFailure, cerr)
			}
		}
	}()

	sum = summary.New(runID, cp.Location())
	writeSummary := func() {
		if _, werr := sum.WriteFile(sink.Dir()); werr != nil {
			logger.Error().Err(werr).Msg("Writing run summary failed")
		}
	}
	abort := func(cause error) (*summary.RunSummary, error) {
		err := fmt.Errorf("%w: %w", ErrIOFailure, cause)
		sum.Finish(summary.StatusAborted, err)
		writeSummary()
		return sum, err
	}

	if err := cp.Load(ctx, sink.Exists); err != nil {
		return abort(err)
	}

	mode := e.cfg.Mode
	var from, to time.Time
	if h, ok := cp.Header(); ok {
		resumed, perr := headerScopes(h)
		if perr != nil {
			return abort(perr)
		}
		scopes, from, to, mode = resumed, h.DateFrom, h.DateTo, h.Mode
		logger.Info().
			Time("date_from", from).
			Time("date_to", to).
			Int("completed", len(cp.Completed())).
			Msg("Resuming run")
	} else {
		if from, to, err = e.cfg.Window(e.deps.Now()); err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		h := checkpoint.Header{
			RunID:     runID,
			DateFrom:  from,
			DateTo:    to,
			Mode:      mode,
			StartedAt: e.deps.Now().UTC(),
		}
		for _, s := range scopes {
			h.Scopes = append(h.Scopes, s.String())
		}
		if err := cp.WriteHeader(ctx, h); err != nil {
			return abort(err)
		}
	}
	sum.SetWindow(mode, from, to)

	if n, err := sink.CleanStale(); err != nil {
		return abort(fmt.Errorf("cleaning stale units: %w", err))
	} else if n > 0 {
		logger.Info().Int("removed", n).Msg("Removed stale temp units")
	}

	var wk *walker.Walker
	writer, err := batch.NewWriter(sink, batch.Config{
		MaxRecords: e.cfg.BatchMaxRecords,
		RunID:      runID,
	}, batch.Hooks{
		OnStage: func(ctx context.Context, f batch.Flushed) error {
			return cp.RecordFlush(ctx, f.Unit, string(f.Kind), f.Seq, f.Counts)
		},
		OnCommit: func(f batch.Flushed) {
			cp.Commit(f.Counts)
			sum.AddBatch(f.Unit)
			wk.Committed(f.Counts)
		},
	}, logging.NewLogger("batch"))
	if err != nil {
		return abort(err)
	}
	for _, k := range record.Kinds() {
		writer.ResumeSeq(k, cp.LastSeq(string(k)))
	}

	maxSensors, maxRecords := e.cfg.Caps(mode)
	wk, err = walker.New(walker.Config{
		Workers:           e.cfg.Workers,
		PageSize:          e.cfg.PageSize,
		DateFrom:          from,
		DateTo:            to,
		MeasurementWindow: e.cfg.MeasurementWindow,
		MaxSensors:        maxSensors,
		MaxRecords:        maxRecords,
	}, walker.Deps{
		Fetcher:    e.deps.Fetcher,
		Checkpoint: cp,
		Writer:     writer,
		Summary:    sum,
		Logger:     logging.NewLogger("walker").With().Str("run_id", runID).Logger(),
		Now:        e.deps.Now,
		OnScopeDrained: func(s walker.Scope, failed bool) {
			logger.Info().Str("scope", s.String()).Bool("failed", failed).Msg("Scope walked")
			writeSummary()
		},
		OnScopeDone: func(s walker.Scope, complete bool) {
			if complete {
				sum.CompleteScope(s.Label())
			}
			logger.Info().Str("scope", s.String()).Bool("complete", complete).Msg("Scope finished")
			writeSummary()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	logger.Info().
		Int("scopes", len(scopes)).
		Str("mode", mode).
		Str("checkpoint", cp.Location()).
		Str("output", sink.Dir()).
		Msg("Run started")

	walkErr := wk.Walk(ctx, scopes)

	// Flush what was read even when cancelled, so completed resources are
	// not fetched again on resume.
	persistCtx := context.WithoutCancel(ctx)
	var ioErr *multierror.Error
	if err := writer.Close(persistCtx); err != nil {
		ioErr = multierror.Append(ioErr, fmt.Errorf("closing batch writer: %w", err))
	}
	if err := cp.Persist(persistCtx); err != nil {
		ioErr = multierror.Append(ioErr, err)
	}
	if werr := wk.Err(); werr != nil {
		ioErr = multierror.Append(ioErr, werr)
	} else if walkErr != nil && ctx.Err() == nil {
		ioErr = multierror.Append(ioErr, walkErr)
	}

	if ioErr.ErrorOrNil() != nil {
		logger.Error().Err(ioErr).Msg("Run aborted")
		return abort(ioErr.ErrorOrNil())
	}

	status := summary.StatusCompleted
	var runErr error
	switch {
	case ctx.Err() != nil:
		status = summary.StatusInterrupted
		runErr = ctx.Err()
	case sum.FailureCount() > 0:
		status = summary.StatusCompletedWithFailures
	}
	sum.Finish(status, runErr)

	path, werr := sum.WriteFile(sink.Dir())
	if werr != nil {
		logger.Error().Err(werr).Msg("Writing run summary failed")
		if runErr == nil {
			runErr = fmt.Errorf("%w: writing run summary: %w", ErrIOFailure, werr)
		}
	}

	snap := sum.Snapshot()
	logger.Info().
		Str("status", string(status)).
		Interface("totals", snap.Totals).
		Int("failed", len(snap.Failed)).
		Int("batches", snap.BatchCount).
		Float64("elapsed_seconds", snap.ElapsedSeconds).
		Str("summary", path).
		Msg("Run finished")
	return sum, runErr
}

func headerScopes(h checkpoint.Header) ([]walker.Scope, error) {
	if len(h.Scopes) == 0 {
		return nil, fmt.Errorf("run %s header lists no scopes", h.RunID)
	}
	scopes := make([]walker.Scope, 0, len(h.Scopes))
	for _, s := range h.Scopes {
		sc, err := walker.ParseScope(s)
		if err != nil {
			return nil, fmt.Errorf("run %s header: %w", h.RunID, err)
		}
		scopes = append(scopes, sc)
	}
	return scopes, nil
}
