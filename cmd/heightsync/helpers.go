package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
	"github.com/dgnsrekt/heightsync/internal/config"
	"github.com/dgnsrekt/heightsync/internal/fetcher"
	"github.com/dgnsrekt/heightsync/internal/stream"
	"github.com/dgnsrekt/heightsync/internal/synchronizer"
	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

// syncOptions translates config into synchronizer options.
func syncOptions(cfg *config.Config, logger *zap.Logger) (synchronizer.Options, error) {
	sentinel, err := accumulate.ParseSentinel(cfg.Endpoint.RemovalSentinel)
	if err != nil {
		return synchronizer.Options{}, err
	}

	delay := time.Duration(cfg.Retry.DelayMS) * time.Millisecond
	backoff := stream.LinearBackoff(delay)
	if cfg.Retry.Strategy == "exponential" {
		backoff = stream.ExponentialBackoff(delay, time.Duration(cfg.Retry.MaxDelayMS)*time.Millisecond)
	}

	return synchronizer.Options{
		Stream: stream.Options{
			DisableLive:    cfg.Endpoint.DisableLive,
			RetryBudget:    cfg.Retry.Budget,
			Backoff:        backoff,
			ToHeight:       cfg.Endpoint.ToHeight,
			RatePerSecond:  cfg.Pull.RatePerSecond,
			RequestTimeout: time.Duration(cfg.Pull.RequestTimeoutSec) * time.Second,
			Logger:         logger,
		},
		Strategy: accumulate.Copying,
		Sentinel: sentinel,
	}, nil
}

// parseTasks builds fetch tasks from name=url arguments, falling back to the configured
// endpoints. A trailing "+dual" on the name marks a paired endpoint.
func parseTasks(cfg *config.Config, args []string) ([]fetcher.Task, error) {
	if len(args) == 0 {
		tasks := make([]fetcher.Task, 0, len(cfg.Fetch.Endpoints))
		for _, ep := range cfg.Fetch.Endpoints {
			tasks = append(tasks, fetcher.Task{Name: ep.Name, Endpoint: ep.URL, Dual: ep.Dual})
		}
		return tasks, nil
	}

	seen := make(map[string]bool, len(args))
	tasks := make([]fetcher.Task, 0, len(args))
	for _, arg := range args {
		name, url, ok := strings.Cut(arg, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid endpoint %q (use name=url)", arg)
		}
		name, dual := strings.CutSuffix(name, "+dual")
		if seen[name] {
			return nil, fmt.Errorf("duplicate endpoint name %q", name)
		}
		seen[name] = true
		tasks = append(tasks, fetcher.Task{Name: name, Endpoint: url, Dual: dual})
	}
	return tasks, nil
}

func metricsRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	return r
}

// startMetrics serves /metrics on addr until ctx is done. It is a no-op when disabled.
func startMetrics(ctx context.Context, mc config.MetricsConfig, logger *zap.Logger) {
	if !mc.Enabled {
		return
	}
	telemetry.Initialize()

	srv := &http.Server{Addr: mc.Addr, Handler: metricsRouter(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", mc.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}
