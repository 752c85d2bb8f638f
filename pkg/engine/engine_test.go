package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/openaq-harvester/internal/testutil"
	"github.com/Sternrassler/openaq-harvester/pkg/batch"
	"github.com/Sternrassler/openaq-harvester/pkg/client"
	"github.com/Sternrassler/openaq-harvester/pkg/config"
	"github.com/Sternrassler/openaq-harvester/pkg/pagination"
	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/Sternrassler/openaq-harvester/pkg/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenarioStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newScenario serves 1 scope, 2 locations and 3 sensors with 240 hourly
// measurements each, read in pages of [100, 100, 40].
func newScenario(t *testing.T) *testutil.MockOpenAQ {
	t.Helper()
	mock := testutil.NewMockOpenAQ()
	t.Cleanup(mock.Close)
	mock.Load(testutil.Scenario{
		CountryID:          145,
		SensorsPerLocation: [][]int{{240, 240}, {240}},
		Start:              scenarioStart,
	})
	return mock
}

func testConfig(t *testing.T, mock *testutil.MockOpenAQ) *config.Config {
	t.Helper()
	c := config.Default()
	c.APIKey = "test-key"
	c.BaseURL = mock.URL()
	c.Scopes = []string{"Nepal:145"}
	c.DateFrom = "2024-01-01T00:00:00Z"
	c.DateTo = "2024-02-01T00:00:00Z"
	c.MinRequestIntervalSeconds = 0
	c.MaxConcurrentRequests = 4
	c.Workers = 3
	c.PageSize = 100
	c.BatchMaxRecords = 150
	c.OutputDirectory = t.TempDir()
	c.Retry.BaseDelay = 10 * time.Millisecond
	c.Retry.MaxDelay = 50 * time.Millisecond
	return &c
}

func runEngine(t *testing.T, ctx context.Context, cfg *config.Config) (*summary.RunSummary, *batch.ParquetSink, error) {
	t.Helper()
	e, err := New(cfg, Deps{})
	require.NoError(t, err)
	sink, err := batch.NewParquetSink(cfg.OutputDirectory)
	require.NoError(t, err)
	sum, err := e.Run(ctx, nil, sink)
	return sum, sink, err
}

// unitSizes returns the row counts of a kind's units in sequence order.
func unitSizes(t *testing.T, dir string, kind record.Kind) []int {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, string(kind), "*.parquet"))
	require.NoError(t, err)
	sort.Strings(paths)

	var sizes []int
	for _, p := range paths {
		info, err := batch.InspectUnit(p)
		require.NoError(t, err)
		sizes = append(sizes, int(info.Rows))
	}
	return sizes
}

func readMeasurements(t *testing.T, dir string) []record.Measurement {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, string(record.KindMeasurement), "*.parquet"))
	require.NoError(t, err)

	var all []record.Measurement
	for _, p := range paths {
		rows, err := batch.ReadUnit[record.Measurement](p)
		require.NoError(t, err)
		all = append(all, rows...)
	}
	return all
}

// assertNoDuplicates checks that every (sensor, timestamp) pair is unique
// and returns the count per sensor.
func assertNoDuplicates(t *testing.T, ms []record.Measurement) map[int64]int {
	t.Helper()
	seen := make(map[string]bool, len(ms))
	perSensor := make(map[int64]int)
	for _, m := range ms {
		k := fmt.Sprintf("%d/%s", m.SensorID, m.Timestamp.UTC().Format(time.RFC3339))
		if seen[k] {
			t.Errorf("duplicate measurement for sensor %d at %s", m.SensorID, m.Timestamp)
		}
		seen[k] = true
		perSensor[m.SensorID]++
	}
	return perSensor
}

func TestEngine_FullRunBatches(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)

	sum, sink, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)

	snap := sum.Snapshot()
	assert.Equal(t, summary.StatusCompleted, snap.Status)
	assert.Equal(t, map[string]int{"locations": 2, "sensors": 3, "measurements": 720}, snap.Totals)
	assert.Equal(t, []string{"145"}, snap.CompletedScopes)
	assert.Empty(t, snap.Failed)
	assert.Equal(t, 7, snap.BatchCount)

	assert.Equal(t, []int{2}, unitSizes(t, sink.Dir(), record.KindLocation))
	assert.Equal(t, []int{3}, unitSizes(t, sink.Dir(), record.KindSensor))
	assert.Equal(t, []int{150, 150, 150, 150, 120}, unitSizes(t, sink.Dir(), record.KindMeasurement))

	perSensor := assertNoDuplicates(t, readMeasurements(t, sink.Dir()))
	assert.Equal(t, map[int64]int{1000: 240, 1001: 240, 1002: 240}, perSensor)

	for _, r := range mock.Requests() {
		assert.Equal(t, "test-key", r.APIKey)
	}
}

func TestEngine_WritesSummaryFile(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)

	sum, sink, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)

	snap, err := summary.ReadFile(filepath.Join(sink.Dir(), summary.FileName(sum.RunID())))
	require.NoError(t, err)
	assert.Equal(t, summary.StatusCompleted, snap.Status)
	assert.Equal(t, 720, snap.Totals["measurements"])
	assert.Equal(t, "2024-02-01T00:00:00Z", snap.DateTo)
	assert.Equal(t, "bolt://"+cfg.CheckpointPath()+"#"+sum.RunID(), snap.CheckpointLocation)
	assert.NotNil(t, snap.FinishedAt)
}

func TestEngine_RateLimitedSensor(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for Retry-After")
	}
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	const path = "/sensors/1000/measurements"
	mock.QueueResponse(path, testutil.NewRateLimitResponse(2))

	sum, sink, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, summary.StatusCompleted, sum.Status())

	var first, second time.Time
	for _, r := range mock.Requests() {
		if r.Path != path || r.Query.Get("page") != "1" {
			continue
		}
		if first.IsZero() {
			first = r.At
		} else if second.IsZero() {
			second = r.At
		}
	}
	require.False(t, second.IsZero(), "rate-limited page was not retried")
	assert.GreaterOrEqual(t, second.Sub(first), 2*time.Second)

	perSensor := assertNoDuplicates(t, readMeasurements(t, sink.Dir()))
	assert.Equal(t, 240, perSensor[1000])
}

func TestEngine_FailureIsolation(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	mock.SetResponse("/sensors/1001/measurements", testutil.NewNotFoundResponse())

	sum, sink, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)

	snap := sum.Snapshot()
	assert.Equal(t, summary.StatusCompletedWithFailures, snap.Status)
	require.Len(t, snap.Failed, 1)
	assert.Contains(t, snap.Failed[0].Key, "sensor=1001")
	assert.Empty(t, snap.CompletedScopes)
	assert.Equal(t, 1, mock.PathCount("/sensors/1001/measurements"), "404 is not retried")

	perSensor := assertNoDuplicates(t, readMeasurements(t, sink.Dir()))
	assert.Equal(t, map[int64]int{1000: 240, 1002: 240}, perSensor)
	assert.Equal(t, 480, snap.Totals["measurements"])
}

func TestEngine_ResumeAfterFailure(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	const failing = "/sensors/1001/measurements"
	mock.SetResponse(failing, testutil.NewServerErrorResponse())

	first, sink, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, summary.StatusCompletedWithFailures, first.Status())
	sensor1000 := mock.PathCount("/sensors/1000/measurements")

	mock.ClearHandler(failing)
	cfg.RunID = first.RunID()
	second, _, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)

	snap := second.Snapshot()
	assert.Equal(t, summary.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"145"}, snap.CompletedScopes)
	assert.Equal(t, 240, snap.Totals["measurements"], "only the failed sensor is fetched again")
	assert.Equal(t, 0, snap.Totals["locations"], "durable listings are not written twice")
	assert.Equal(t, sensor1000, mock.PathCount("/sensors/1000/measurements"))

	perSensor := assertNoDuplicates(t, readMeasurements(t, sink.Dir()))
	assert.Equal(t, map[int64]int{1000: 240, 1001: 240, 1002: 240}, perSensor)
	assert.Equal(t, []int{2}, unitSizes(t, sink.Dir(), record.KindLocation))
	assert.Equal(t, []int{3}, unitSizes(t, sink.Dir(), record.KindSensor))
}

func TestEngine_ResumeAfterInterrupt(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	cfg.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const trigger = "/sensors/1001/measurements"
	mock.SetHandler(trigger, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	first, sink, err := runEngine(t, ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, summary.StatusInterrupted, first.Status())
	fetchedBefore := mock.PathCount("/sensors/1002/measurements")

	mock.ClearHandler(trigger)
	cfg.RunID = first.RunID()
	second, _, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, summary.StatusCompleted, second.Status())
	assert.Equal(t, fetchedBefore, mock.PathCount("/sensors/1002/measurements"),
		"a sensor completed before the interrupt is not fetched again")

	perSensor := assertNoDuplicates(t, readMeasurements(t, sink.Dir()))
	assert.Equal(t, map[int64]int{1000: 240, 1001: 240, 1002: 240}, perSensor)
	assert.Equal(t, []int{2}, unitSizes(t, sink.Dir(), record.KindLocation))
	assert.Equal(t, []int{3}, unitSizes(t, sink.Dir(), record.KindSensor))
}

func TestEngine_ResumeReusesHeaderWindow(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	mock.SetResponse("/sensors/1002/measurements", testutil.NewNotFoundResponse())

	first, _, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)

	cfg.RunID = first.RunID()
	cfg.DateTo = "2024-03-01T00:00:00Z"
	second, _, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01T00:00:00Z", second.Snapshot().DateTo)
}

func TestEngine_TestModeCaps(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	cfg.Mode = config.ModeTest
	cfg.Test.MaxSensors = 1
	cfg.Test.MaxRecords = 50

	sum, _, err := runEngine(t, context.Background(), cfg)
	require.NoError(t, err)

	snap := sum.Snapshot()
	assert.Equal(t, "test", snap.Mode)
	assert.Equal(t, map[string]int{"locations": 2, "sensors": 2, "measurements": 100}, snap.Totals)
}

func TestEngine_InvalidConfigMakesNoRequests(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)
	cfg.APIKey = ""

	_, err := New(cfg, Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	assert.Equal(t, 0, mock.RequestCount())
}

// failingSink stages nothing.
type failingSink struct {
	*batch.ParquetSink
}

func (failingSink) Prepare(ctx context.Context, u batch.Unit) (batch.PendingUnit, error) {
	return nil, errors.New("disk full")
}

func TestEngine_SinkFailureAborts(t *testing.T) {
	mock := newScenario(t)
	cfg := testConfig(t, mock)

	e, err := New(cfg, Deps{})
	require.NoError(t, err)
	ps, err := batch.NewParquetSink(cfg.OutputDirectory)
	require.NoError(t, err)

	sum, err := e.Run(context.Background(), nil, failingSink{ps})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.True(t, strings.Contains(err.Error(), "disk full"), err.Error())
	require.NotNil(t, sum)
	assert.Equal(t, summary.StatusAborted, sum.Status())

	snap, rerr := summary.ReadFile(filepath.Join(cfg.OutputDirectory, summary.FileName(sum.RunID())))
	require.NoError(t, rerr)
	assert.Equal(t, summary.StatusAborted, snap.Status)
	assert.NotEmpty(t, snap.Error)
}

// scopeWatchFetcher calls onFirst before the first locations request of a
// country.
type scopeWatchFetcher struct {
	pagination.Fetcher
	country string
	once    sync.Once
	onFirst func()
}

func (f *scopeWatchFetcher) FetchJSON(ctx context.Context, req client.Request, v any) error {
	if req.Path == "/locations" && req.Query.Get("countries_id") == f.country {
		f.once.Do(f.onFirst)
	}
	return f.Fetcher.FetchJSON(ctx, req, v)
}

func TestEngine_SummaryWrittenPerScope(t *testing.T) {
	mock := newScenario(t)
	mock.Load(testutil.Scenario{
		CountryID:          9,
		SensorsPerLocation: [][]int{{10}},
		Start:              scenarioStart,
		FirstLocationID:    200,
		FirstSensorID:      2000,
	})
	cfg := testConfig(t, mock)
	cfg.Scopes = []string{"Nepal:145", "India:9"}
	cfg.Workers = 1
	// Large batches keep every record buffered until the writer closes.
	cfg.BatchMaxRecords = 10000

	base, err := newFetcher(*cfg)
	require.NoError(t, err)

	var files []string
	var atSecondScope summary.Snapshot
	fetcher := &scopeWatchFetcher{Fetcher: base, country: "9", onFirst: func() {
		files, _ = filepath.Glob(filepath.Join(cfg.OutputDirectory, "run-summary-*.json"))
		if len(files) == 1 {
			data, err := os.ReadFile(files[0])
			if err == nil {
				_ = json.Unmarshal(data, &atSecondScope)
			}
		}
	}}

	e, err := New(cfg, Deps{Fetcher: fetcher})
	require.NoError(t, err)
	sink, err := batch.NewParquetSink(cfg.OutputDirectory)
	require.NoError(t, err)
	sum, err := e.Run(context.Background(), nil, sink)
	require.NoError(t, err)

	require.Len(t, files, 1, "summary must exist before the next scope starts")
	assert.Equal(t, summary.StatusRunning, atSecondScope.Status)
	assert.Equal(t, 720, atSecondScope.Records["145"]["measurements"])
	assert.Zero(t, atSecondScope.Records["9"]["measurements"])
	assert.Zero(t, atSecondScope.BatchCount, "nothing flushed yet")

	snap := sum.Snapshot()
	assert.Equal(t, summary.StatusCompleted, snap.Status)
	assert.ElementsMatch(t, []string{"145", "9"}, snap.CompletedScopes)
}
