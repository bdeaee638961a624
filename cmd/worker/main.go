// Package main is the entry point for the long-running channel workers.
//
// Startup:
//  1. Load configuration and initialize the structured logger.
//  2. Open the broker and the idempotency and dead letter stores.
//  3. Build one worker per WORKER_CHANNELS entry, sharing the render client
//     (behind its circuit breaker) and the provider sink router.
//  4. Serve /health and /metrics on METRICS_PORT.
//  5. Consume until SIGINT/SIGTERM, then drain in-flight messages within
//     SHUTDOWN_GRACE before closing the backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"notifypipe/internal/config"
	"notifypipe/internal/core"
	"notifypipe/internal/metrics"
	"notifypipe/internal/platform"
	"notifypipe/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	tlog := types.NewSlogLogger(logger)
	logger.Info("notification worker starting",
		"environment", cfg.Environment,
		"build", cfg.Build,
		"channels", cfg.Pipeline.Channels,
		"broker", cfg.Broker.Kind,
		"idempotency_backend", cfg.Idempotency.Backend,
		"concurrency", cfg.Pipeline.Concurrency,
	)
	if cfg.Broker.Kind == "memory" {
		logger.Warn("BROKER_KIND=memory: this worker cannot see messages published by a separate gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := platform.Open(ctx, cfg, tlog)
	if err != nil {
		return err
	}
	defer backends.Close()

	rec, metricsHandler, err := platform.NewMetrics(ctx, cfg, tlog)
	if err != nil {
		return err
	}

	pipeline, err := platform.NewPipeline(cfg, backends, rec, tlog)
	if err != nil {
		return err
	}

	opsServer, err := buildOpsServer(cfg, logger, backends, rec, metricsHandler)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return serveOps(gctx, opsServer, cfg.Server.ShutdownTimeout, logger) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker stopped cleanly")
	return nil
}

// buildOpsServer returns the /health and /metrics listener. It reuses the
// gateway chassis on METRICS_PORT with no /v1 routes.
func buildOpsServer(cfg *config.Config, logger *slog.Logger, b *platform.Backends, rec metrics.Recorder, metricsHandler http.Handler) (*http.Server, error) {
	opsCfg := *cfg
	opsCfg.Server.Port = cfg.Server.MetricsPort
	opsCfg.Server.IngressRateLimit = 0

	srv, err := core.NewServer(&opsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ops server: %w", err)
	}
	srv.Metrics = rec
	srv.MetricsHandler = metricsHandler
	srv.HealthProbes = b.Probes()
	srv.MountRoutes()
	return srv.HTTPServer(), nil
}

func serveOps(ctx context.Context, httpServer *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
