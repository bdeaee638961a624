// Package main is the entry point for the notification gateway.
//
// The gateway validates POST /v1/notifications and publishes each accepted
// request to its channel queue. It also serves the operator routes for the
// dead letter store and idempotency records, /health and /metrics.
//
// With BROKER_KIND=memory the channel workers run in this process as well,
// since an in-process queue cannot be shared with a separate worker binary.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"golang.org/x/sync/errgroup"

	"notifypipe/internal/api/handlers"
	"notifypipe/internal/config"
	"notifypipe/internal/core"
	"notifypipe/internal/deadletter"
	"notifypipe/internal/gateway"
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
	logger.Info("notification gateway starting",
		"environment", cfg.Environment,
		"build", cfg.Build,
		"port", cfg.Server.Port,
		"broker", cfg.Broker.Kind,
	)

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

	srv, err := buildServer(cfg, logger, backends, rec, metricsHandler)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Broker.Kind == "memory" {
		pipeline, err := platform.NewPipeline(cfg, backends, rec, tlog)
		if err != nil {
			return fmt.Errorf("building in-process workers: %w", err)
		}
		logger.Info("running channel workers in-process", "channels", cfg.Pipeline.Channels)
		g.Go(func() error { return pipeline.Run(gctx) })
	}

	g.Go(func() error { return serveHTTP(gctx, srv, cfg, logger) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gateway stopped cleanly")
	return nil
}

// buildServer wires the handlers onto the core chassis.
func buildServer(cfg *config.Config, logger *slog.Logger, b *platform.Backends, rec metrics.Recorder, metricsHandler http.Handler) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = rec
	srv.MetricsHandler = metricsHandler
	srv.HealthProbes = b.Probes()

	tlog := types.NewSlogLogger(logger)
	enqueuer := gateway.NewEnqueuer(b.Broker, cfg.Pipeline.DefaultLanguage, tlog)
	replayer := deadletter.NewReplayer(b.DeadLetters, b.Idempotency, enqueuer, nil, tlog)

	notifications := handlers.NewNotificationHandler(enqueuer, rec, logger)
	dlq := handlers.NewDeadLetterHandler(b.DeadLetters, replayer, logger)
	idem := handlers.NewIdempotencyHandler(b.Idempotency, logger)

	srv.PublicRoutes = append(srv.PublicRoutes, notifications.RegisterRoutes)
	srv.OperatorRoutes = append(srv.OperatorRoutes, dlq.RegisterRoutes, idem.RegisterRoutes)

	if !cfg.Security.OperatorKeyHash.IsSet() {
		logger.Warn("OPERATOR_KEY_HASH not set; operator routes will reject every request")
	}

	srv.MountRoutes()
	return srv, nil
}

// serveHTTP runs the listener until ctx is cancelled, then shuts it down
// within the configured timeout.
func serveHTTP(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := srv.HTTPServer()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
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
