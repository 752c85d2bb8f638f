package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/openaq-harvester/internal/testutil"
	"github.com/Sternrassler/openaq-harvester/pkg/config"
	"github.com/Sternrassler/openaq-harvester/pkg/record"
	"github.com/Sternrassler/openaq-harvester/pkg/summary"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := newRootCmd(out, &bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"invalid config", fmt.Errorf("%w: api_key is required", config.ErrInvalidConfig), exitConfig},
		{"completed", &runError{status: summary.StatusCompleted}, exitOK},
		{"failures", &runError{status: summary.StatusCompletedWithFailures}, exitFailures},
		{"interrupted", &runError{status: summary.StatusInterrupted, err: context.Canceled}, exitInterrupted},
		{"aborted", &runError{status: summary.StatusAborted, err: errors.New("disk full")}, exitAborted},
		{"other", errors.New("boom"), exitAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "openaq-harvester dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestRunCommand_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAQ_API_KEY", "")
	_, err := execute(t, "run", "--output", t.TempDir())
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("run error = %v, want ErrInvalidConfig", err)
	}
	if exitCode(err) != exitConfig {
		t.Errorf("exitCode = %d, want %d", exitCode(err), exitConfig)
	}
}

func TestRunAndSummaryCommands(t *testing.T) {
	mock := testutil.NewMockOpenAQ()
	defer mock.Close()
	mock.Load(testutil.Scenario{
		CountryID:          145,
		SensorsPerLocation: [][]int{{30}, {20}},
		Start:              time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	dir := t.TempDir()
	_, err := execute(t, "run",
		"--api-key", "test-key",
		"--base-url", mock.URL(),
		"--scope", "Nepal:145",
		"--date-from", "2024-01-01",
		"--date-to", "2024-02-01",
		"--min-interval", "0",
		"--output", dir,
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	out, err := execute(t, "summary", "--units", dir)
	if err != nil {
		t.Fatalf("summary error = %v", err)
	}
	for _, want := range []string{
		": completed",
		"total  2",
		"3 units, 54 rows",
		string(record.KindMeasurement) + "/",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary output missing %q:\n%s", want, out)
		}
	}

	runs, err := execute(t, "runs", "--checkpoint-path", filepath.Join(dir, "checkpoint.db"))
	if err != nil {
		t.Fatalf("runs error = %v", err)
	}
	if lines := strings.Fields(runs); len(lines) != 1 {
		t.Errorf("runs output = %q, want one run id", runs)
	}
}

func TestSummaryCommand_NoSummaries(t *testing.T) {
	if _, err := execute(t, "summary", t.TempDir()); err == nil {
		t.Error("summary of an empty directory should fail")
	}
}
