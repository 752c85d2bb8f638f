// Package walker traverses the scope → location → sensor → measurement
// hierarchy. A LIFO work queue drained by a fixed pool of workers gives a
// depth-first walk; pages within one resource are fetched in order.
//
// A resource is marked complete in the checkpoint once its own listing
// drained, every child completed and every record it produced is in a
// committed batch unit. Records are counted per resource key, so a resumed
// walk skips the records a resource already has on disk.
package walker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/checkpoint"
	"github.com/Sternrassler/openaq-harvester/pkg/client"
	"github.com/Sternrassler/openaq-harvester/pkg/openaq"
	"github.com/Sternrassler/openaq-harvester/pkg/pagination"
	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	openaqResourcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_resources_total",
		Help: "Resources finished by kind and outcome (complete, skipped, failed, interrupted)",
	}, []string{"kind", "outcome"})

	openaqWalkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openaq_walker_queue_depth",
		Help: "Resources waiting in the walker's work queue",
	})
)

// Outcome labels.
const (
	OutcomeComplete    = "complete"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Checkpoint is the progress store consulted and updated by the walk.
type Checkpoint interface {
	IsComplete(key string) bool
	MarkComplete(ctx context.Context, e checkpoint.Entry) error
	DurableCount(key string) int
}

// Writer receives normalised records.
type Writer interface {
	Append(ctx context.Context, owner string, rec record.Record) error
}

// Summary receives record counts and resource failures.
type Summary interface {
	AddRecords(scope string, kind record.Kind, n int)
	AddFailure(key, scope string, err error) bool
}

// Config holds walker configuration.
type Config struct {
	Workers  int
	PageSize int

	// DateFrom and DateTo bound the measurement listing.
	DateFrom time.Time
	DateTo   time.Time

	// MeasurementWindow splits a sensor's range. Zero means one window.
	MeasurementWindow time.Duration

	// MaxSensors caps the sensors walked per location. Zero means no cap.
	MaxSensors int

	// MaxRecords caps the records read per resource. Zero means no cap.
	MaxRecords int
}

// Deps are the collaborators of a walk.
type Deps struct {
	Fetcher    pagination.Fetcher
	Checkpoint Checkpoint
	Writer     Writer
	Summary    Summary
	Logger     zerolog.Logger

	// OnScopeDrained is called once every resource below a scope has been
	// walked or has failed, before their records are necessarily durable.
	// failed is true if anything below the scope failed or was interrupted.
	OnScopeDrained func(scope Scope, failed bool)

	// OnScopeDone is called once every resource below a scope has either
	// completed or failed. complete is false if anything failed.
	//
	// Both callbacks run with the walker's lock held and must not call back
	// into the walker.
	OnScopeDone func(scope Scope, complete bool)

	// Now stamps ingestion time. Defaults to time.Now.
	Now func() time.Time
}

// node is the walk state of one ResourceRef. Fields below key are guarded by
// Walker.mu.
type node struct {
	ref    *ResourceRef
	parent *node
	key    string

	open     int
	failed   bool
	produced int

	// undrained counts the node's own listing plus children not yet walked.
	undrained   int
	drainFailed bool
}

// Walker is single-use: call Walk once.
type Walker struct {
	cfg  Config
	deps Deps

	queue *stack

	mu      sync.Mutex
	waiting map[string]*node
	fatal   error
	persist context.Context
	abort   context.CancelCauseFunc
}

// New validates cfg and creates a walker.
func New(cfg Config, deps Deps) (*Walker, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1 (got %d)", cfg.Workers)
	}
	if !cfg.DateFrom.Before(cfg.DateTo) {
		return nil, fmt.Errorf("date_from %s must be before date_to %s",
			cfg.DateFrom.Format(time.RFC3339), cfg.DateTo.Format(time.RFC3339))
	}
	if cfg.MeasurementWindow < 0 {
		return nil, fmt.Errorf("measurement_window must be >= 0 (got %s)", cfg.MeasurementWindow)
	}
	if deps.Fetcher == nil || deps.Checkpoint == nil || deps.Writer == nil || deps.Summary == nil {
		return nil, errors.New("fetcher, checkpoint, writer and summary are required")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > openaq.MaxPageSize {
		cfg.PageSize = openaq.MaxPageSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Walker{
		cfg:     cfg,
		deps:    deps,
		queue:   newStack(),
		waiting: make(map[string]*node),
	}, nil
}

// Walk visits every scope and returns once the queue is drained. Resource
// failures are reported to the summary and do not fail the walk. A failing
// writer or checkpoint aborts the walk with that error. When ctx is
// cancelled no further resource is started and ctx's error is returned.
func (w *Walker) Walk(ctx context.Context, scopes []Scope) error {
	walkCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	w.mu.Lock()
	w.persist = context.WithoutCancel(ctx)
	w.abort = abort
	w.mu.Unlock()

	w.deps.Logger.Info().Int("scopes", len(scopes)).Int("workers", w.cfg.Workers).Msg("Walk started")

	for i := len(scopes) - 1; i >= 0; i-- {
		ref := ScopeRef(scopes[i])
		w.queue.push(&node{ref: ref, key: ref.Key(), open: 1, undrained: 1})
	}

	g, gctx := errgroup.WithContext(walkCtx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			w.queue.close()
		case <-stop:
		}
	}()

	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			return w.work(gctx)
		})
	}
	err := g.Wait()
	close(stop)

	if ferr := w.Err(); ferr != nil {
		return ferr
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		w.deps.Logger.Warn().Int("not_started", w.queue.remaining()).Msg("Walk interrupted")
		return ctx.Err()
	}
	w.deps.Logger.Info().Msg("Walk finished")
	return nil
}

// Err returns the first writer or checkpoint failure, including those raised
// by Committed after Walk returned.
func (w *Walker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// Pending returns the number of drained resources still waiting for their
// records to be committed.
func (w *Walker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiting)
}

// Committed is called after a batch unit was committed with the number of
// records each resource contributed. Resources whose records are now all
// durable are marked complete.
func (w *Walker) Committed(counts map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range counts {
		if n, ok := w.waiting[key]; ok {
			w.settleLocked(n)
		}
	}
}

func (w *Walker) work(ctx context.Context) error {
	for {
		n, ok := w.queue.pop()
		if !ok {
			return nil
		}
		err := w.process(ctx, n)
		w.queue.done()
		if err != nil {
			return err
		}
	}
}

// process walks one node. Only writer and checkpoint failures are returned.
func (w *Walker) process(ctx context.Context, n *node) error {
	if ctx.Err() != nil {
		w.finish(n, OutcomeInterrupted, nil)
		return nil
	}
	if w.deps.Checkpoint.IsComplete(n.key) {
		w.skip(n)
		return nil
	}

	var err error
	switch n.ref.Kind {
	case KindScope:
		err = w.walkLocations(ctx, n)
	case KindLocation:
		err = w.walkSensors(ctx, n)
	case KindSensor:
		err = w.walkWindows(n)
	case KindMeasurementPage:
		err = w.walkMeasurements(ctx, n)
	default:
		err = fmt.Errorf("unknown resource kind %q", n.ref.Kind)
	}

	var ioErr *sinkError
	switch {
	case errors.As(err, &ioErr):
		w.finish(n, OutcomeInterrupted, nil)
		w.setFatal(ioErr.err)
		return ioErr.err
	case err != nil && ctx.Err() != nil:
		w.finish(n, OutcomeInterrupted, err)
	case err != nil:
		w.finish(n, OutcomeFailed, err)
	default:
		w.finish(n, OutcomeComplete, nil)
	}
	return nil
}

// sinkError marks writer failures so process can tell them from resource
// failures.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func (w *Walker) capFor(kind Kind) int {
	c := w.cfg.MaxRecords
	if kind == KindLocation && w.cfg.MaxSensors > 0 && (c == 0 || w.cfg.MaxSensors < c) {
		c = w.cfg.MaxSensors
	}
	return c
}

// drain paginates one resource. handle is called for every item with its
// position; the first durable items of the resource are passed with skip
// set so children can still be discovered.
func drain[T any](ctx context.Context, w *Walker, n *node, req pagination.RequestFunc, handle func(item T, skip bool) error) error {
	p := pagination.New[T](w.deps.Fetcher, req, pagination.Config{
		PageSize:  w.cfg.PageSize,
		RecordCap: w.capFor(n.ref.Kind),
	})
	durable := w.deps.Checkpoint.DurableCount(n.key)
	seen := 0

	for {
		page, err := p.Next(ctx)
		if err != nil {
			return err
		}
		if page == nil {
			break
		}
		for _, item := range page.Records {
			seen++
			if err := handle(item, seen <= durable); err != nil {
				return err
			}
		}
		w.mu.Lock()
		n.produced = seen
		w.mu.Unlock()

		if p.State() == pagination.StateExhausted {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if durable > 0 {
		w.deps.Logger.Debug().Str("key", n.key).Int("skipped", min(durable, seen)).Msg("Skipped durable records")
	}
	return nil
}

func (w *Walker) emit(n *node, rec record.Record) error {
	if err := w.deps.Writer.Append(w.persistCtx(), n.key, rec); err != nil {
		return &sinkError{err: fmt.Errorf("append %s record for %s: %w", rec.RecordKind(), n.key, err)}
	}
	w.deps.Summary.AddRecords(n.ref.Scope.Label(), rec.RecordKind(), 1)
	return nil
}

func (w *Walker) walkLocations(ctx context.Context, n *node) error {
	req := func(page, limit int) client.Request {
		return openaq.LocationsRequest(n.ref.ID, page, limit)
	}
	return drain(ctx, w, n, req, func(l openaq.Location, skip bool) error {
		rec := l.Record()
		if !skip {
			if err := w.emit(n, rec); err != nil {
				return err
			}
		}
		ref := n.ref.child(KindLocation, l.ID)
		ref.Location = &rec
		w.enqueue(n, ref)
		return nil
	})
}

func (w *Walker) walkSensors(ctx context.Context, n *node) error {
	loc := *n.ref.Location
	req := func(page, limit int) client.Request {
		return openaq.SensorsRequest(n.ref.ID, page, limit)
	}
	return drain(ctx, w, n, req, func(s openaq.Sensor, skip bool) error {
		rec := s.Record(loc)
		if !skip {
			if err := w.emit(n, rec); err != nil {
				return err
			}
		}
		ref := n.ref.child(KindSensor, s.ID)
		ref.Sensor = &rec
		w.enqueue(n, ref)
		return nil
	})
}

func (w *Walker) walkWindows(n *node) error {
	for _, win := range Windows(w.cfg.DateFrom, w.cfg.DateTo, w.cfg.MeasurementWindow) {
		ref := n.ref.child(KindMeasurementPage, n.ref.ID)
		ref.Window = win
		w.enqueue(n, ref)
	}
	return nil
}

func (w *Walker) walkMeasurements(ctx context.Context, n *node) error {
	sensor := *n.ref.Sensor
	win := n.ref.Window
	req := func(page, limit int) client.Request {
		return openaq.MeasurementsRequest(n.ref.ID, win.From, win.To, page, limit)
	}
	return drain(ctx, w, n, req, func(m openaq.Measurement, skip bool) error {
		if skip {
			return nil
		}
		rec, err := m.Record(sensor, w.deps.Now())
		if err != nil {
			return &client.FetchError{
				URL:      req(1, w.cfg.PageSize).Path,
				Class:    client.ErrorClassMalformed,
				Attempts: 1,
				Err:      err,
			}
		}
		return w.emit(n, rec)
	})
}

// enqueue adds a child of parent unless the checkpoint already has it.
func (w *Walker) enqueue(parent *node, ref *ResourceRef) {
	key := ref.Key()
	if w.deps.Checkpoint.IsComplete(key) {
		openaqResourcesTotal.WithLabelValues(string(ref.Kind), OutcomeSkipped).Inc()
		return
	}
	child := &node{ref: ref, parent: parent, key: key, open: 1, undrained: 1}
	w.mu.Lock()
	parent.open++
	parent.undrained++
	w.mu.Unlock()
	w.queue.push(child)
}

func (w *Walker) skip(n *node) {
	openaqResourcesTotal.WithLabelValues(string(n.ref.Kind), OutcomeSkipped).Inc()
	w.deps.Logger.Debug().Str("key", n.key).Msg("Resource already complete")

	w.mu.Lock()
	defer w.mu.Unlock()
	n.undrained = 0
	w.drainedLocked(n)
	n.open = 0
	w.childDoneLocked(n, true)
}

// finish ends the node's own listing.
func (w *Walker) finish(n *node, outcome string, err error) {
	switch outcome {
	case OutcomeFailed:
		openaqResourcesTotal.WithLabelValues(string(n.ref.Kind), outcome).Inc()
		if w.deps.Summary.AddFailure(n.key, n.ref.Scope.Label(), err) {
			w.deps.Logger.Error().Err(err).Str("key", n.key).Str("kind", string(n.ref.Kind)).Msg("Resource failed")
		}
	case OutcomeInterrupted:
		openaqResourcesTotal.WithLabelValues(string(n.ref.Kind), outcome).Inc()
		w.deps.Logger.Debug().Err(err).Str("key", n.key).Msg("Resource interrupted")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if outcome != OutcomeComplete {
		n.failed = true
		n.drainFailed = true
	}
	n.undrained--
	if n.undrained == 0 {
		w.drainedLocked(n)
	}
	n.open--
	if n.open == 0 {
		w.settleLocked(n)
	}
}

// settleLocked runs when a node has no open work left. A healthy node whose
// records are all durable is marked complete; otherwise it waits for
// Committed. Failures propagate to the parent without completing it.
func (w *Walker) settleLocked(n *node) {
	if n.failed {
		delete(w.waiting, n.key)
		w.childDoneLocked(n, false)
		return
	}
	if w.deps.Checkpoint.DurableCount(n.key) < n.produced {
		w.waiting[n.key] = n
		return
	}
	delete(w.waiting, n.key)

	err := w.deps.Checkpoint.MarkComplete(w.persist, checkpoint.Entry{
		Key:        n.key,
		Scope:      n.ref.Scope.ID,
		Kind:       string(n.ref.Kind),
		ResourceID: n.ref.ID,
	})
	if err != nil {
		w.fatalLocked(fmt.Errorf("mark %s complete: %w", n.key, err))
		n.failed = true
		w.childDoneLocked(n, false)
		return
	}

	openaqResourcesTotal.WithLabelValues(string(n.ref.Kind), OutcomeComplete).Inc()
	w.deps.Logger.Info().
		Str("key", n.key).
		Str("kind", string(n.ref.Kind)).
		Int("records", n.produced).
		Msg("Resource complete")
	w.childDoneLocked(n, true)
}

// drainedLocked reports a node whose subtree has been walked to its parent,
// or to OnScopeDrained for a scope.
func (w *Walker) drainedLocked(n *node) {
	p := n.parent
	if p == nil {
		if w.deps.OnScopeDrained != nil {
			w.deps.OnScopeDrained(n.ref.Scope, n.drainFailed)
		}
		return
	}
	if n.drainFailed {
		p.drainFailed = true
	}
	p.undrained--
	if p.undrained == 0 {
		w.drainedLocked(p)
	}
}

// childDoneLocked reports a settled node to its parent, or to OnScopeDone
// for a scope.
func (w *Walker) childDoneLocked(n *node, complete bool) {
	p := n.parent
	if p == nil {
		if w.deps.OnScopeDone != nil {
			w.deps.OnScopeDone(n.ref.Scope, complete)
		}
		return
	}
	if !complete {
		p.failed = true
	}
	p.open--
	if p.open == 0 {
		w.settleLocked(p)
	}
}

func (w *Walker) persistCtx() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persist
}

func (w *Walker) setFatal(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fatalLocked(err)
}

func (w *Walker) fatalLocked(err error) {
	if w.fatal != nil {
		return
	}
	w.fatal = err
	if w.abort != nil {
		w.abort(err)
	}
}
