package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
	"github.com/dgnsrekt/heightsync/internal/notify"
	"github.com/dgnsrekt/heightsync/internal/output"
	"github.com/dgnsrekt/heightsync/internal/synchronizer"
)

func watchCmd() *cobra.Command {
	var (
		url         string
		dual        bool
		toHeight    uint64
		printFormat string
	)

	cmd := &cobra.Command{
		Use:   "watch [URL]",
		Short: "Follow an endpoint and keep an accumulated snapshot",
		Long: `Subscribe to a height-indexed endpoint, preferring the live transport and falling
back to polling. Every update is folded into the accumulated snapshot.

Examples:
  # Follow the configured endpoint
  heightsync watch

  # Follow a paired endpoint and print each snapshot as JSON
  heightsync watch --dual --print json https://node.example/v1/stream

  # Stop once height 5000 has been reached
  heightsync watch --to-height 5000 https://node.example/v1/stream`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if len(args) == 1 {
				url = args[0]
			}
			if url != "" {
				cfg.Endpoint.URL = url
			}
			if cmd.Flags().Changed("dual") {
				cfg.Endpoint.Dual = dual
			}
			if cmd.Flags().Changed("to-height") {
				cfg.Endpoint.ToHeight = toHeight
			}
			if err := cfg.RequireEndpoint(); err != nil {
				return err
			}

			var format output.Format
			if printFormat != "" {
				f, err := output.ParseFormat(printFormat)
				if err != nil {
					return err
				}
				format = f
			}

			opts, err := syncOptions(cfg, logger)
			if err != nil {
				return err
			}

			startMetrics(ctx, cfg.Metrics, logger)
			notifier := notify.New(&cfg.Notify, logger)

			logger.Info("watching",
				zap.String("endpoint", cfg.Endpoint.URL),
				zap.Bool("dual", cfg.Endpoint.Dual),
				zap.Uint64("to_height", cfg.Endpoint.ToHeight),
				zap.Bool("live", !cfg.Endpoint.DisableLive),
			)

			start := time.Now()
			if cfg.Endpoint.Dual {
				err = watchDual(ctx, cfg.Endpoint.URL, opts, format)
			} else {
				err = watchSingle(ctx, cfg.Endpoint.URL, opts, format)
			}

			if err != nil {
				subject := "watch " + cfg.Endpoint.URL
				if nerr := notifier.SendFailure(context.WithoutCancel(ctx), subject, nil, time.Since(start), err); nerr != nil {
					logger.Warn("failed to send failure notification", zap.Error(nerr))
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "endpoint URL (overrides endpoint.url)")
	cmd.Flags().BoolVar(&dual, "dual", false, "endpoint serves paired datasets")
	cmd.Flags().Uint64Var(&toHeight, "to-height", 0, "stop once this height is reached (0 follows forever)")
	cmd.Flags().StringVar(&printFormat, "print", "", "print each snapshot to stdout (json or jsonl)")

	return cmd
}

func watchSingle(ctx context.Context, endpoint string, opts synchronizer.Options, format output.Format) error {
	s, err := synchronizer.NewSingle(endpoint, opts)
	if err != nil {
		return err
	}
	return follow(ctx, s, func(snapshot accumulate.DataSet) []accumulate.DataSet {
		return []accumulate.DataSet{snapshot}
	}, format)
}

func watchDual(ctx context.Context, endpoint string, opts synchronizer.Options, format output.Format) error {
	s, err := synchronizer.NewDual(endpoint, opts)
	if err != nil {
		return err
	}
	return follow(ctx, s, func(pair [2]accumulate.DataSet) []accumulate.DataSet {
		return pair[:]
	}, format)
}

// follow runs s until it completes, fails, or ctx is done. Cancellation is not an error.
func follow[B, S any](ctx context.Context, s *synchronizer.Synchronizer[B, S], sets func(S) []accumulate.DataSet, format output.Format) error {
	var mu sync.Mutex
	emit := func(snapshot S, height uint64) {
		if format == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := output.Encode(os.Stdout, format, height, sets(snapshot)...); err != nil {
			logger.Warn("failed to print snapshot", zap.Error(err))
		}
	}

	err := s.Start(ctx, synchronizer.Handler[S, B]{
		OnAccumulated: func(snapshot S, height uint64) {
			rows := 0
			for _, set := range sets(snapshot) {
				rows += len(set)
			}
			logger.Debug("accumulated", zap.Uint64("height", height), zap.Int("rows", rows))
			emit(snapshot, height)
		},
		OnCompleted: func(snapshot S, height uint64) {
			logger.Info("subscription completed", zap.Uint64("height", height))
		},
		OnError: func(err error) {
			logger.Warn("subscription error", zap.String("id", s.ID()), zap.Error(err))
		},
	})
	if err != nil {
		return err
	}

	<-s.Done()
	if err := s.Wait(); err != nil {
		return fmt.Errorf("subscription %s: %w", s.ID(), err)
	}

	_, height := s.Snapshot()
	logger.Info("subscription stopped", zap.String("state", s.State().String()), zap.Uint64("height", height))
	return nil
}
