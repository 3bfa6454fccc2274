package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/fetcher"
	"github.com/dgnsrekt/heightsync/internal/notify"
	"github.com/dgnsrekt/heightsync/internal/output"
)

func fetchCmd() *cobra.Command {
	var (
		dryRun  bool
		workers int
		format  string
	)

	cmd := &cobra.Command{
		Use:   "fetch [NAME=URL ...]",
		Short: "Resolve endpoints to snapshots as of now and write them to disk",
		Long: `Resolve the full dataset behind each endpoint as of the current moment and write
one snapshot file per endpoint. Without arguments the endpoints under fetch.endpoints
are used. Suffix a name with +dual for paired endpoints.

Examples:
  # Fetch the configured endpoints
  heightsync fetch

  # Fetch two endpoints as JSONL
  heightsync fetch --format jsonl blocks=https://node.example/v1/blocks pairs+dual=https://node.example/v1/pairs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tasks, err := parseTasks(cfg, args)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				return fmt.Errorf("no endpoints to fetch (configure fetch.endpoints or pass NAME=URL)")
			}

			if format == "" {
				format = cfg.Output.Format
			}
			outFormat, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = cfg.Fetch.Workers
			}

			logger.Info("generated tasks", zap.Int("count", len(tasks)))

			if dryRun {
				writer := output.NewWriter(cfg.Output.Directory, outFormat)
				for _, t := range tasks {
					fmt.Printf("Would fetch: %s -> %s\n", t, writer.Path(t.Name))
				}
				return nil
			}

			opts, err := syncOptions(cfg, logger)
			if err != nil {
				return err
			}

			startMetrics(ctx, cfg.Metrics, logger)
			notifier := notify.New(&cfg.Notify, logger)
			writer := output.NewWriter(cfg.Output.Directory, outFormat)
			mgr := fetcher.NewManager(opts, writer, workers, logger)

			start := time.Now()
			result, err := mgr.Execute(ctx, tasks)
			duration := time.Since(start)
			notifyCtx := context.WithoutCancel(ctx)
			subject := fmt.Sprintf("%d endpoints", len(tasks))

			if err != nil {
				if nerr := notifier.SendFailure(notifyCtx, subject, result, duration, err); nerr != nil {
					logger.Warn("failed to send failure notification", zap.Error(nerr))
				}
				return err
			}

			logger.Info("fetch complete",
				zap.Int("total", result.Total),
				zap.Int("success", result.Success),
				zap.Int("failed", result.Failed),
				zap.Duration("duration", duration),
			)

			if result.Failed > 0 {
				for _, e := range result.Errors {
					logger.Error("fetch error", zap.String("error", e))
				}
				ferr := fmt.Errorf("%d fetches failed", result.Failed)
				if nerr := notifier.SendFailure(notifyCtx, subject, result, duration, ferr); nerr != nil {
					logger.Warn("failed to send failure notification", zap.Error(nerr))
				}
				return ferr
			}

			if nerr := notifier.SendSuccess(notifyCtx, subject, result, duration); nerr != nil {
				logger.Warn("failed to send notification", zap.Error(nerr))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be fetched")
	cmd.Flags().IntVar(&workers, "workers", 0, "override fetch.workers")
	cmd.Flags().StringVar(&format, "format", "", "override output.format (json or jsonl)")

	return cmd
}
