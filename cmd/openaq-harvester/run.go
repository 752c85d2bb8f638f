package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/openaq-harvester/pkg/batch"
	"github.com/Sternrassler/openaq-harvester/pkg/config"
	"github.com/Sternrassler/openaq-harvester/pkg/engine"
	"github.com/Sternrassler/openaq-harvester/pkg/logging"
	"github.com/Sternrassler/openaq-harvester/pkg/metrics"
	"github.com/Sternrassler/openaq-harvester/pkg/summary"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume a harvest",
		Long: `Run a harvest. Configuration is read from --config (YAML), OPENAQ_*
environment variables and flags, in increasing order of precedence.
Pass --run-id to resume an interrupted run.`,
		Args: cobra.NoArgs,
		RunE: runHarvest,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return errors.Join(config.ErrInvalidConfig, err)
	}

	logCfg := logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	}
	if cfg.Log.File != "" {
		f, err := logging.OpenFile(cfg.Log.File)
		if err != nil {
			return err
		}
		defer f.Close()
		logCfg.File = f
	}
	logging.Setup(logCfg)
	logger := logging.NewLogger("cli")

	eng, err := engine.New(cfg, engine.Deps{})
	if err != nil {
		return err
	}
	sink, err := batch.NewParquetSink(cfg.OutputDirectory)
	if err != nil {
		return &runError{status: summary.StatusAborted, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metricsCtx, cancelMetrics := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sum, err := eng.Run(ctx, nil, sink)
	if sum == nil {
		return err
	}
	snap := sum.Snapshot()
	logger.Info().
		Str("run_id", snap.RunID).
		Str("status", string(snap.Status)).
		Str("output", sink.Dir()).
		Msg("Resume with --run-id " + snap.RunID + " if the run did not complete")

	if err != nil || snap.Status != summary.StatusCompleted {
		return &runError{status: snap.Status, err: err}
	}
	return nil
}
