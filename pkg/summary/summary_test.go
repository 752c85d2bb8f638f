package summary

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func TestRunSummary_Counts(t *testing.T) {
	s := New("run-1", "bolt:///tmp/checkpoint.db#run-1")

	s.AddRecords("145", record.KindLocation, 2)
	s.AddRecords("145", record.KindMeasurement, 100)
	s.AddRecords("145", record.KindMeasurement, 40)
	s.AddRecords("9", record.KindMeasurement, 5)
	s.AddRecords("9", record.KindSensor, 0)

	snap := s.Snapshot()
	assert.Equal(t, map[string]int{"locations": 2, "measurements": 140}, snap.Records["145"])
	assert.Equal(t, map[string]int{"measurements": 5}, snap.Records["9"])
	assert.Equal(t, map[string]int{"locations": 2, "measurements": 145}, snap.Totals)
	assert.Equal(t, "bolt:///tmp/checkpoint.db#run-1", snap.CheckpointLocation)
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestRunSummary_FailureListedOnce(t *testing.T) {
	s := New("run-1", "")

	assert.True(t, s.AddFailure("scope=145/location=1/sensor=3", "145", errors.New("404")))
	assert.False(t, s.AddFailure("scope=145/location=1/sensor=3", "145", errors.New("410")))
	assert.True(t, s.AddFailure("scope=145/location=2", "145", nil))

	snap := s.Snapshot()
	require.Len(t, snap.Failed, 2)
	assert.Equal(t, "410", snap.Failed[0].Error, "last error wins")
	assert.Equal(t, 2, s.FailureCount())
}

func TestRunSummary_BatchesAndScopes(t *testing.T) {
	s := New("run-1", "")
	s.AddBatch("sensors/sensors-run-1-000001.parquet")
	s.AddBatch("locations/locations-run-1-000001.parquet")
	s.CompleteScope("145")
	s.CompleteScope("145")

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.BatchCount)
	assert.Equal(t, []string{
		"locations/locations-run-1-000001.parquet",
		"sensors/sensors-run-1-000001.parquet",
	}, snap.BatchFiles)
	assert.Equal(t, []string{"145"}, snap.CompletedScopes)
}

func TestRunSummary_Elapsed(t *testing.T) {
	now, advance := fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newWithClock("run-1", "", now)

	advance(90 * time.Second)
	assert.Equal(t, 90.0, s.Snapshot().ElapsedSeconds)

	s.Finish(StatusInterrupted, errors.New("context canceled"))
	advance(time.Hour)

	snap := s.Snapshot()
	assert.Equal(t, 90.0, snap.ElapsedSeconds, "elapsed stops at finish")
	assert.Equal(t, StatusInterrupted, snap.Status)
	assert.Equal(t, "context canceled", snap.Error)
	require.NotNil(t, snap.FinishedAt)
}

func TestRunSummary_WriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	s := New("01HZXRUN", "redis://openaq:checkpoint:01HZXRUN")
	s.SetWindow("test", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.AddRecords("145", record.KindSensor, 3)
	s.Finish(StatusCompleted, nil)

	path, err := s.WriteFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-summary-01HZXRUN.json"), path)

	snap, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "2024-01-01T00:00:00Z", snap.DateFrom)
	assert.Equal(t, 3, snap.Records["145"]["sensors"])

	// Rewrites replace the file and leave no temp files behind.
	_, err = s.WriteFile(dir)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunSummary_ConcurrentUpdates(t *testing.T) {
	s := New("run-1", "")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.AddRecords("145", record.KindMeasurement, 1)
				s.AddFailure("scope=145/location=1", "145", errors.New("boom"))
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, 1000, snap.Totals["measurements"])
	assert.Len(t, snap.Failed, 1)
}
