// Package batch accumulates records into bounded, self-contained output
// units. There is one open batch per record kind; a full batch is flushed
// synchronously inside Append so producers block on I/O instead of growing
// memory.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	openaqBatchesFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_batches_flushed_total",
		Help: "Batch units committed by record kind",
	}, []string{"kind"})

	openaqRecordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_records_written_total",
		Help: "Records committed to batch units by record kind",
	}, []string{"kind"})

	openaqBatchFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openaq_batch_flush_duration_seconds",
		Help:    "Time to stage and commit one batch unit",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"kind"})
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("batch writer closed")

// Flushed describes a committed unit.
type Flushed struct {
	Unit   string
	Kind   record.Kind
	Seq    int
	Count  int
	Counts map[string]int
}

// Hooks observe the two phases of a flush.
type Hooks struct {
	// OnStage runs after the unit is staged and before it is committed. An
	// error discards the unit and fails the flush.
	OnStage func(ctx context.Context, f Flushed) error

	// OnCommit runs after the unit became visible.
	OnCommit func(f Flushed)
}

// Config holds writer configuration.
type Config struct {
	// MaxRecords is the size at which a batch is flushed.
	MaxRecords int

	RunID string
}

type openBatch struct {
	mu      sync.Mutex
	kind    record.Kind
	seq     int
	records []record.Record
	counts  map[string]int
}

// Writer is safe for concurrent use.
type Writer struct {
	sink   Sink
	cfg    Config
	hooks  Hooks
	logger zerolog.Logger

	batches map[record.Kind]*openBatch

	closeMu sync.RWMutex
	closed  bool
}

// NewWriter creates a writer flushing into sink.
func NewWriter(sink Sink, cfg Config, hooks Hooks, logger zerolog.Logger) (*Writer, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.MaxRecords < 1 {
		return nil, fmt.Errorf("batch_max_records must be >= 1 (got %d)", cfg.MaxRecords)
	}

	w := &Writer{
		sink:    sink,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
		batches: make(map[record.Kind]*openBatch),
	}
	for _, k := range record.Kinds() {
		w.batches[k] = &openBatch{kind: k, counts: make(map[string]int)}
	}
	return w, nil
}

// ResumeSeq makes the next unit of kind use a sequence number after last.
func (w *Writer) ResumeSeq(kind record.Kind, last int) {
	b := w.batches[kind]
	b.mu.Lock()
	defer b.mu.Unlock()
	if last > b.seq {
		b.seq = last
	}
}

// Append adds rec, owned by the resource key owner, to the open batch of its
// kind and flushes the batch once it is full.
func (w *Writer) Append(ctx context.Context, owner string, rec record.Record) error {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return ErrClosed
	}

	b, ok := w.batches[rec.RecordKind()]
	if !ok {
		return fmt.Errorf("unknown record kind %q", rec.RecordKind())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, rec)
	b.counts[owner]++
	if len(b.records) >= w.cfg.MaxRecords {
		return w.flushLocked(ctx, b)
	}
	return nil
}

// Pending returns the number of buffered records of kind.
func (w *Writer) Pending(kind record.Kind) int {
	b := w.batches[kind]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Flush writes every non-empty batch.
func (w *Writer) Flush(ctx context.Context) error {
	var result *multierror.Error
	for _, k := range record.Kinds() {
		b := w.batches[k]
		b.mu.Lock()
		err := w.flushLocked(ctx, b)
		b.mu.Unlock()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close flushes all batches and rejects further appends.
func (w *Writer) Close(ctx context.Context) error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.Flush(ctx)
}

// flushLocked must be called with b.mu held. On failure the records stay
// buffered so a later flush can retry them under a new sequence number.
func (w *Writer) flushLocked(ctx context.Context, b *openBatch) error {
	if len(b.records) == 0 {
		return nil
	}
	start := time.Now()

	b.seq++
	f := Flushed{
		Kind:   b.kind,
		Seq:    b.seq,
		Count:  len(b.records),
		Counts: b.counts,
	}

	pending, err := w.sink.Prepare(ctx, Unit{
		Kind:    b.kind,
		Seq:     f.Seq,
		RunID:   w.cfg.RunID,
		Records: b.records,
	})
	if err != nil {
		return fmt.Errorf("stage %s batch %d: %w", b.kind, f.Seq, err)
	}
	f.Unit = pending.Path()

	if w.hooks.OnStage != nil {
		if err := w.hooks.OnStage(ctx, f); err != nil {
			if derr := pending.Discard(); derr != nil {
				err = multierror.Append(err, derr)
			}
			return fmt.Errorf("record %s batch %d: %w", b.kind, f.Seq, err)
		}
	}

	if err := pending.Commit(); err != nil {
		return fmt.Errorf("commit %s batch %d: %w", b.kind, f.Seq, err)
	}

	b.records = nil
	b.counts = make(map[string]int)

	openaqBatchesFlushedTotal.WithLabelValues(string(b.kind)).Inc()
	openaqRecordsWrittenTotal.WithLabelValues(string(b.kind)).Add(float64(f.Count))
	openaqBatchFlushDuration.WithLabelValues(string(b.kind)).Observe(time.Since(start).Seconds())

	w.logger.Info().
		Str("kind", string(b.kind)).
		Int("seq", f.Seq).
		Int("records", f.Count).
		Str("unit", f.Unit).
		Msg("Batch committed")

	if w.hooks.OnCommit != nil {
		w.hooks.OnCommit(f)
	}
	return nil
}
