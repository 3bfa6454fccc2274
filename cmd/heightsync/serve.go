package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/heightsync/internal/replay"
	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		logPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Replay a height log over the pull, SSE and websocket transports",
		Long: `Serve a JSONL height log ({"height":N,"data":[...]} per line) as a growing source.
One more entry becomes visible every replay.tick_interval.

Examples:
  heightsync serve --log data/heights.jsonl --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Replay.Addr = addr
			}
			if logPath != "" {
				cfg.Replay.LogPath = logPath
			}

			start := time.Now()
			heights, err := replay.OpenLog(cfg.Replay.LogPath, logger)
			if err != nil {
				return err
			}
			defer func() { _ = heights.Close() }()
			logger.Info("log indexed",
				zap.String("path", cfg.Replay.LogPath),
				zap.Int("entries", heights.Len()),
				zap.Duration("duration", time.Since(start)),
			)

			var metrics http.Handler
			if cfg.Metrics.Enabled {
				telemetry.Initialize()
				metrics = telemetry.Handler()
			}

			chain := replay.NewChain(heights, cfg.Replay.TickInterval, logger)
			srv := replay.NewServer(heights, chain, replay.Config{
				PageSize: cfg.Replay.PageSize,
				LongPoll: cfg.Replay.LongPoll,
				Dual:     cfg.Replay.Dual,
			}, logger)

			g, ctx := errgroup.WithContext(cmd.Context())

			httpServer := &http.Server{
				Addr:              cfg.Replay.Addr,
				Handler:           srv.Router(metrics),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			g.Go(func() error {
				chain.Run(ctx)
				return nil
			})

			g.Go(func() error {
				logger.Info("starting server", zap.String("addr", httpServer.Addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})

			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down server...")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides replay.addr)")
	cmd.Flags().StringVar(&logPath, "log", "", "height log path (overrides replay.log_path)")

	return cmd
}
