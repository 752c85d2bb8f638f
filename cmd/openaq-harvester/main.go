// Command openaq-harvester downloads OpenAQ locations, sensors and
// measurements into Parquet batch files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/openaq-harvester/pkg/config"
	"github.com/Sternrassler/openaq-harvester/pkg/summary"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK          = 0
	exitAborted     = 1
	exitFailures    = 2
	exitConfig      = 64
	exitInterrupted = 130
)

// runError carries the final run status to main.
type runError struct {
	status summary.Status
	err    error
}

func (e *runError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("run finished with status %s", e.status)
	}
	return fmt.Sprintf("run finished with status %s: %v", e.status, e.err)
}

func (e *runError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	err := root.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "openaq-harvester",
		Short:         "Harvest OpenAQ air-quality data into Parquet files",
		Long:          `Walk countries, locations, sensors and measurements of the OpenAQ v3 API under a global rate limit and write them as resumable Parquet batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newRunCmd())
	root.AddCommand(newSummaryCmd())
	root.AddCommand(newRunsCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "openaq-harvester", version)
		},
	})
	return root
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, config.ErrInvalidConfig) {
		return exitConfig
	}
	var re *runError
	if errors.As(err, &re) {
		switch re.status {
		case summary.StatusCompleted:
			return exitOK
		case summary.StatusCompletedWithFailures:
			return exitFailures
		case summary.StatusInterrupted:
			return exitInterrupted
		}
	}
	return exitAborted
}
