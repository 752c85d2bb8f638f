// Package summary accumulates the machine-readable outcome of a run. A
// RunSummary is owned by the engine, updated through its Add methods and
// written to disk after every scope and at the end of the run, so a killed
// run still leaves partial data behind.
package summary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/record"
)

// Status is the final state of a run.
type Status string

const (
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithFailures Status = "completed_with_failures"
	StatusInterrupted           Status = "interrupted"
	StatusAborted               Status = "aborted"
)

// Failure is a resource that failed terminally.
type Failure struct {
	Key   string    `json:"key"`
	Scope string    `json:"scope"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Snapshot is the serialised form of a RunSummary.
type Snapshot struct {
	RunID              string                    `json:"run_id"`
	Status             Status                    `json:"status"`
	Mode               string                    `json:"mode,omitempty"`
	DateFrom           string                    `json:"date_from,omitempty"`
	DateTo             string                    `json:"date_to,omitempty"`
	StartedAt          time.Time                 `json:"started_at"`
	FinishedAt         *time.Time                `json:"finished_at,omitempty"`
	ElapsedSeconds     float64                   `json:"elapsed_seconds"`
	Records            map[string]map[string]int `json:"records"`
	Totals             map[string]int            `json:"totals"`
	CompletedScopes    []string                  `json:"completed_scopes"`
	Failed             []Failure                 `json:"failed"`
	BatchCount         int                       `json:"batch_count"`
	BatchFiles         []string                  `json:"batch_files"`
	CheckpointLocation string                    `json:"checkpoint_location"`
	Error              string                    `json:"error,omitempty"`
}

// RunSummary is safe for concurrent use.
type RunSummary struct {
	mu sync.Mutex

	runID      string
	checkpoint string
	mode       string
	dateFrom   string
	dateTo     string
	now        func() time.Time
	started    time.Time
	finished   *time.Time
	status     Status
	err        string

	records map[string]map[record.Kind]int
	scopes  []string
	failed  []Failure
	failIdx map[string]int
	batches []string
}

// New starts a summary for runID.
func New(runID, checkpointLocation string) *RunSummary {
	return newWithClock(runID, checkpointLocation, time.Now)
}

func newWithClock(runID, checkpointLocation string, now func() time.Time) *RunSummary {
	return &RunSummary{
		runID:      runID,
		checkpoint: checkpointLocation,
		now:        now,
		started:    now().UTC(),
		status:     StatusRunning,
		records:    make(map[string]map[record.Kind]int),
		failIdx:    make(map[string]int),
	}
}

// RunID returns the run identity.
func (s *RunSummary) RunID() string {
	return s.runID
}

// SetWindow records the run mode and resolved date window.
func (s *RunSummary) SetWindow(mode string, from, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.dateFrom = from.UTC().Format(time.RFC3339)
	s.dateTo = to.UTC().Format(time.RFC3339)
}

// AddRecords counts n records of kind under scope.
func (s *RunSummary) AddRecords(scope string, kind record.Kind, n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.records[scope]
	if !ok {
		byKind = make(map[record.Kind]int)
		s.records[scope] = byKind
	}
	byKind[kind] += n
}

// AddFailure records a failed resource. A key is listed once; a repeated
// failure replaces its last error. It reports whether the key was new.
func (s *RunSummary) AddFailure(key, scope string, err error) bool {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f := Failure{Key: key, Scope: scope, Error: msg, At: s.now().UTC()}
	if i, ok := s.failIdx[key]; ok {
		s.failed[i] = f
		return false
	}
	s.failIdx[key] = len(s.failed)
	s.failed = append(s.failed, f)
	return true
}

// AddBatch records a committed unit.
func (s *RunSummary) AddBatch(unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, unit)
}

// CompleteScope records that every resource below scope was visited.
func (s *RunSummary) CompleteScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scopes {
		if sc == scope {
			return
		}
	}
	s.scopes = append(s.scopes, scope)
}

// FailureCount returns the number of distinct failed resources.
func (s *RunSummary) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

// Finish stamps the end time and final status. A non-nil err is kept as the
// run's explanatory message.
func (s *RunSummary) Finish(status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	s.finished = &t
	s.status = status
	if err != nil {
		s.err = err.Error()
	}
}

// Status returns the current status.
func (s *RunSummary) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a consistent copy of the summary.
func (s *RunSummary) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.now().UTC()
	if s.finished != nil {
		end = *s.finished
	}

	snap := Snapshot{
		RunID:              s.runID,
		Status:             s.status,
		Mode:               s.mode,
		DateFrom:           s.dateFrom,
		DateTo:             s.dateTo,
		StartedAt:          s.started,
		FinishedAt:         s.finished,
		ElapsedSeconds:     end.Sub(s.started).Seconds(),
		Records:            make(map[string]map[string]int, len(s.records)),
		Totals:             make(map[string]int),
		CompletedScopes:    append([]string{}, s.scopes...),
		Failed:             append([]Failure{}, s.failed...),
		BatchCount:         len(s.batches),
		BatchFiles:         append([]string{}, s.batches...),
		CheckpointLocation: s.checkpoint,
		Error:              s.err,
	}
	for scope, byKind := range s.records {
		m := make(map[string]int, len(byKind))
		for kind, n := range byKind {
			m[string(kind)] = n
			snap.Totals[string(kind)] += n
		}
		snap.Records[scope] = m
	}
	sort.Strings(snap.BatchFiles)
	return snap
}

// FileName returns the summary file name of a run.
func FileName(runID string) string {
	return fmt.Sprintf("run-summary-%s.json", runID)
}

// WriteFile atomically writes the summary to dir and returns its path.
func (s *RunSummary) WriteFile(dir string) (string, error) {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}

	path := filepath.Join(dir, FileName(s.runID))
	tmp, err := os.CreateTemp(dir, "."+FileName(s.runID)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create summary temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fsync summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename summary: %w", err)
	}
	return path, nil
}

// ReadFile loads a summary written by WriteFile.
func ReadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse summary %s: %w", path, err)
	}
	return snap, nil
}
