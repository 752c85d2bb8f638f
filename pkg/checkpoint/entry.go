// Package checkpoint persists run progress in an append-only log so an
// interrupted run can resume without re-writing data already on disk.
//
// Three entry types are appended:
//
//   - header: run identity, scopes and the resolved date window, written once.
//   - flush: a batch unit about to be committed, with the number of records
//     each resource contributed to it.
//   - complete: a resource whose records are all durably flushed.
//
// Flush entries are appended before the unit is renamed into place. On load,
// flush entries whose unit never appeared on disk are ignored, so the summed
// counts per resource always describe committed data.
package checkpoint

import (
	"time"
)

// EntryType discriminates log entries.
type EntryType string

const (
	EntryHeader   EntryType = "header"
	EntryComplete EntryType = "complete"
	EntryFlush    EntryType = "flush"
)

// Header pins the parameters a resumed run must reuse.
type Header struct {
	RunID     string    `json:"run_id"`
	Scopes    []string  `json:"scopes"`
	DateFrom  time.Time `json:"date_from"`
	DateTo    time.Time `json:"date_to"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// Entry is one log record.
type Entry struct {
	Type EntryType `json:"type"`

	// Key is the resource key for complete entries.
	Key        string `json:"key,omitempty"`
	Scope      int64  `json:"scope,omitempty"`
	Kind       string `json:"kind,omitempty"`
	ResourceID int64  `json:"resource_id,omitempty"`

	// Unit is the committed path of a flushed batch, relative to the
	// output directory.
	Unit       string         `json:"unit,omitempty"`
	RecordKind string         `json:"record_kind,omitempty"`
	Seq        int            `json:"seq,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`

	Header *Header `json:"header,omitempty"`

	At time.Time `json:"at"`
}
