package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	openaqCheckpointEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_checkpoint_entries_total",
		Help: "Checkpoint entries appended by type",
	}, []string{"type"})

	openaqCheckpointCompleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openaq_checkpoint_completed_resources",
		Help: "Resources marked complete in the current run",
	})
)

// Checkpoint is the in-memory view of a run's log. It is safe for
// concurrent use.
type Checkpoint struct {
	log    Log
	runID  string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	header   *Header
	complete map[string]struct{}
	durable  map[string]int
	seqs     map[string]int
	ignored  int
}

// Open wraps log for runID. Call Load before use on a resumed run.
func Open(log Log, runID string, logger zerolog.Logger) *Checkpoint {
	return &Checkpoint{
		log:      log,
		runID:    runID,
		logger:   logger.With().Str("run_id", runID).Logger(),
		now:      time.Now,
		complete: make(map[string]struct{}),
		durable:  make(map[string]int),
		seqs:     make(map[string]int),
	}
}

// RunID returns the run identity.
func (c *Checkpoint) RunID() string {
	return c.runID
}

// Location describes where the log is stored.
func (c *Checkpoint) Location() string {
	return c.log.Location()
}

// Load replays the log. committed reports whether a flushed unit exists on
// disk; flush entries for missing units are ignored. A nil committed treats
// every unit as present.
func (c *Checkpoint) Load(ctx context.Context, committed func(unit string) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.log.Replay(ctx, func(e Entry) error {
		switch e.Type {
		case EntryHeader:
			if e.Header != nil && c.header == nil {
				h := *e.Header
				c.header = &h
			}
		case EntryComplete:
			c.complete[e.Key] = struct{}{}
		case EntryFlush:
			if e.Seq > c.seqs[e.RecordKind] {
				c.seqs[e.RecordKind] = e.Seq
			}
			if committed != nil && !committed(e.Unit) {
				c.ignored++
				return nil
			}
			for key, n := range e.Counts {
				c.durable[key] += n
			}
		default:
			return fmt.Errorf("unknown checkpoint entry type %q", e.Type)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	openaqCheckpointCompleted.Set(float64(len(c.complete)))
	c.logger.Info().
		Int("completed", len(c.complete)).
		Int("durable_resources", len(c.durable)).
		Int("uncommitted_flushes", c.ignored).
		Bool("has_header", c.header != nil).
		Msg("Checkpoint loaded")
	return nil
}

// Header returns the run header, if one was written or loaded.
func (c *Checkpoint) Header() (Header, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.header == nil {
		return Header{}, false
	}
	return *c.header, true
}

// WriteHeader appends the run header. It fails if a header already exists.
func (c *Checkpoint) WriteHeader(ctx context.Context, h Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.header != nil {
		return fmt.Errorf("run %s already has a header", c.runID)
	}
	if err := c.append(ctx, Entry{Type: EntryHeader, Header: &h}); err != nil {
		return err
	}
	c.header = &h
	return nil
}

// IsComplete reports whether key was marked complete.
func (c *Checkpoint) IsComplete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.complete[key]
	return ok
}

// MarkComplete durably records e.Key as complete. Marking a key twice is a
// no-op.
func (c *Checkpoint) MarkComplete(ctx context.Context, e Entry) error {
	e.Type = EntryComplete

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.complete[e.Key]; ok {
		return nil
	}
	if err := c.append(ctx, e); err != nil {
		return err
	}
	c.complete[e.Key] = struct{}{}
	openaqCheckpointCompleted.Inc()
	return nil
}

// RecordFlush appends a flush entry for a unit that is staged but not yet
// committed. The counts only become durable through Commit.
func (c *Checkpoint) RecordFlush(ctx context.Context, unit, recordKind string, seq int, counts map[string]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.append(ctx, Entry{
		Type:       EntryFlush,
		Unit:       unit,
		RecordKind: recordKind,
		Seq:        seq,
		Counts:     counts,
	}); err != nil {
		return err
	}
	if seq > c.seqs[recordKind] {
		c.seqs[recordKind] = seq
	}
	return nil
}

// Commit adds the per-resource counts of a committed unit to the durable
// offsets.
func (c *Checkpoint) Commit(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, n := range counts {
		c.durable[key] += n
	}
}

// DurableCount returns how many records of key are in committed units.
func (c *Checkpoint) DurableCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durable[key]
}

// LastSeq returns the highest batch sequence recorded for a record kind.
func (c *Checkpoint) LastSeq(recordKind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqs[recordKind]
}

// Completed returns the completed keys in sorted order.
func (c *Checkpoint) Completed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.complete))
	for k := range c.complete {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Persist syncs the backing log.
func (c *Checkpoint) Persist(ctx context.Context) error {
	if err := c.log.Sync(ctx); err != nil {
		return fmt.Errorf("persisting checkpoint: %w", err)
	}
	return nil
}

// Close closes the backing log.
func (c *Checkpoint) Close() error {
	return c.log.Close()
}

// append must be called with c.mu held.
func (c *Checkpoint) append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = c.now().UTC()
	}
	if err := c.log.Append(ctx, e); err != nil {
		return fmt.Errorf("appending %s entry: %w", e.Type, err)
	}
	openaqCheckpointEntriesTotal.WithLabelValues(string(e.Type)).Inc()
	return nil
}
