package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/Sternrassler/openaq-harvester/pkg/batch"
	"github.com/Sternrassler/openaq-harvester/pkg/checkpoint"
	"github.com/Sternrassler/openaq-harvester/pkg/summary"
	"github.com/spf13/cobra"
)

func newSummaryCmd() *cobra.Command {
	var units bool
	cmd := &cobra.Command{
		Use:   "summary <file-or-output-dir>",
		Short: "Print run summaries",
		Long: `Print a run summary file, or every run-summary-*.json in an output
directory. With --units the batch files of each run are opened and their row
counts checked against the summary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, dir, err := summaryFiles(args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				snap, err := summary.ReadFile(p)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), snap)
				if units {
					if err := printUnits(cmd.OutOrStdout(), dir, snap); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&units, "units", false, "inspect the batch files listed in each summary")
	return cmd
}

// summaryFiles resolves arg to summary files and the output directory they
// belong to.
func summaryFiles(arg string) ([]string, string, error) {
	st, err := os.Stat(arg)
	if err != nil {
		return nil, "", err
	}
	if !st.IsDir() {
		return []string{arg}, filepath.Dir(arg), nil
	}
	paths, err := filepath.Glob(filepath.Join(arg, "run-summary-*.json"))
	if err != nil {
		return nil, "", err
	}
	if len(paths) == 0 {
		return nil, "", fmt.Errorf("no run summaries in %s", arg)
	}
	sort.Strings(paths)
	return paths, arg, nil
}

func printSummary(w io.Writer, s summary.Snapshot) {
	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Status)
	if s.Mode != "" {
		fmt.Fprintf(w, "  mode:       %s\n", s.Mode)
	}
	fmt.Fprintf(w, "  window:     %s .. %s\n", s.DateFrom, s.DateTo)
	fmt.Fprintf(w, "  elapsed:    %.1fs\n", s.ElapsedSeconds)
	fmt.Fprintf(w, "  checkpoint: %s\n", s.CheckpointLocation)
	fmt.Fprintf(w, "  batches:    %d\n", s.BatchCount)
	if len(s.CompletedScopes) > 0 {
		fmt.Fprintf(w, "  completed:  %s\n", strings.Join(s.CompletedScopes, ", "))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  error:      %s\n", s.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SCOPE\tLOCATIONS\tSENSORS\tMEASUREMENTS")
	scopes := make([]string, 0, len(s.Records))
	for scope := range s.Records {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		r := s.Records[scope]
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\n", scope, r["locations"], r["sensors"], r["measurements"])
	}
	fmt.Fprintf(tw, "  total\t%d\t%d\t%d\n", s.Totals["locations"], s.Totals["sensors"], s.Totals["measurements"])
	tw.Flush()

	for _, f := range s.Failed {
		fmt.Fprintf(w, "  failed: %s: %s\n", f.Key, f.Error)
	}
}

func printUnits(w io.Writer, dir string, s summary.Snapshot) error {
	var rows int64
	for _, unit := range s.BatchFiles {
		info, err := batch.InspectUnit(filepath.Join(dir, unit))
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", unit, err)
		}
		rows += info.Rows
		fmt.Fprintf(w, "  unit %s: %d rows (seq %s)\n", unit, info.Rows, info.Metadata[batch.MetaSeq])
	}
	fmt.Fprintf(w, "  %d units, %d rows\n", len(s.BatchFiles), rows)
	return nil
}

func newRunsCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List run ids stored in a bolt checkpoint file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := checkpoint.BoltRuns(path)
			if err != nil {
				return err
			}
			sort.Strings(runs)
			for _, r := range runs {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "checkpoint-path", filepath.Join("data", "full_data", "checkpoint.db"), "bolt checkpoint file")
	return cmd
}
