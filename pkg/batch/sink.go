package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/parquet-go/parquet-go"
)

// Metadata keys stamped into every unit.
const (
	MetaKind          = "openaq.kind"
	MetaSeq           = "openaq.seq"
	MetaRunID         = "openaq.run_id"
	MetaSchemaVersion = "openaq.schema_version"
	MetaRecordCount   = "openaq.record_count"
)

const tempMarker = ".tmp-"

// Unit is a batch handed to a Sink.
type Unit struct {
	Kind    record.Kind
	Seq     int
	RunID   string
	Records []record.Record
}

// PendingUnit is a fully written but not yet visible unit.
type PendingUnit interface {
	// Path is the committed location relative to the sink root.
	Path() string

	// Commit makes the unit visible atomically.
	Commit() error

	// Discard removes the staged data.
	Discard() error
}

// Sink stages units for atomic commit.
type Sink interface {
	Prepare(ctx context.Context, u Unit) (PendingUnit, error)
}

// UnitName returns the relative path of a unit.
func UnitName(kind record.Kind, runID string, seq int) string {
	return filepath.Join(string(kind), fmt.Sprintf("%s-%s-%06d.parquet", kind, runID, seq))
}

// ParquetSink writes snappy-compressed Parquet files below a root directory.
type ParquetSink struct {
	dir string
}

// NewParquetSink creates the root directory if needed.
func NewParquetSink(dir string) (*ParquetSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &ParquetSink{dir: dir}, nil
}

// Dir returns the root directory.
func (s *ParquetSink) Dir() string {
	return s.dir
}

// Exists reports whether a committed unit is present.
func (s *ParquetSink) Exists(unit string) bool {
	_, err := os.Stat(filepath.Join(s.dir, unit))
	return err == nil
}

// CleanStale removes temp files left by an interrupted flush.
func (s *ParquetSink) CleanStale() (int, error) {
	removed := 0
	for _, kind := range record.Kinds() {
		matches, err := filepath.Glob(filepath.Join(s.dir, string(kind), ".*"+tempMarker+"*"))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("remove stale temp file: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// Prepare encodes u into a temp file next to its final path and fsyncs it.
func (s *ParquetSink) Prepare(ctx context.Context, u Unit) (PendingUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(u.Records) == 0 {
		return nil, fmt.Errorf("refusing to write empty %s unit", u.Kind)
	}

	rel := UnitName(u.Kind, u.RunID, u.Seq)
	final := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("create kind directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+tempMarker+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	staged := &stagedFile{tmp: tmp.Name(), final: final, rel: rel}

	meta := map[string]string{
		MetaKind:          string(u.Kind),
		MetaSeq:           strconv.Itoa(u.Seq),
		MetaRunID:         u.RunID,
		MetaSchemaVersion: record.SchemaVersion,
		MetaRecordCount:   strconv.Itoa(len(u.Records)),
	}

	if err := encodeKind(tmp, u.Kind, u.Records, meta); err != nil {
		tmp.Close()
		staged.Discard()
		return nil, fmt.Errorf("encode %s unit: %w", u.Kind, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		staged.Discard()
		return nil, fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		staged.Discard()
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return staged, nil
}

type stagedFile struct {
	tmp   string
	final string
	rel   string
}

func (f *stagedFile) Path() string { return f.rel }

func (f *stagedFile) Commit() error {
	if err := os.Rename(f.tmp, f.final); err != nil {
		return fmt.Errorf("commit unit: %w", err)
	}
	return syncDir(filepath.Dir(f.final))
}

func (f *stagedFile) Discard() error {
	if err := os.Remove(f.tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// syncDir makes a rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}

func encodeKind(w io.Writer, kind record.Kind, recs []record.Record, meta map[string]string) error {
	switch kind {
	case record.KindLocation:
		return encode[record.Location](w, recs, meta)
	case record.KindSensor:
		return encode[record.Sensor](w, recs, meta)
	case record.KindMeasurement:
		return encode[record.Measurement](w, recs, meta)
	default:
		return fmt.Errorf("unknown record kind %q", kind)
	}
}

func encode[T record.Record](w io.Writer, recs []record.Record, meta map[string]string) error {
	rows := make([]T, 0, len(recs))
	for i, r := range recs {
		row, ok := r.(T)
		if !ok {
			return fmt.Errorf("record %d has kind %s", i, r.RecordKind())
		}
		rows = append(rows, row)
	}

	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Snappy),
	}
	for k, v := range meta {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}

	pw := parquet.NewGenericWriter[T](w, opts...)
	n, err := pw.Write(rows)
	if err != nil {
		pw.Close()
		return err
	}
	if n != len(rows) {
		pw.Close()
		return fmt.Errorf("wrote %d of %d rows", n, len(rows))
	}
	return pw.Close()
}

// ReadUnit reads every row of a unit.
func ReadUnit[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// UnitInfo describes a committed unit on disk.
type UnitInfo struct {
	Path     string
	Rows     int64
	Metadata map[string]string
}

// InspectUnit reads the row count and key/value metadata of a unit.
func InspectUnit(path string) (UnitInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return UnitInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return UnitInfo{}, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return UnitInfo{}, fmt.Errorf("open parquet %s: %w", path, err)
	}

	info := UnitInfo{Path: path, Rows: pf.NumRows(), Metadata: map[string]string{}}
	for _, key := range []string{MetaKind, MetaSeq, MetaRunID, MetaSchemaVersion, MetaRecordCount} {
		if v, ok := pf.Lookup(key); ok {
			info.Metadata[key] = v
		}
	}
	return info, nil
}
