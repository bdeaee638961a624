// Package main is the entry point for the SQS-triggered Lambda worker.
//
// One function is deployed per channel queue; WORKER_CHANNELS must name
// exactly one channel. Each invocation receives a batch of SQS records, runs
// every record through the same worker used by the long-running process,
// and reports records that must be retried via partial batch responses.
//
// Cold Start (main):
//  1. Load configuration and initialize the structured logger.
//  2. Open the SQS broker and the idempotency and dead letter stores.
//  3. Build the worker for the configured channel.
//  4. Register the handler and call lambda.Start.
//
// With APP_ENV=local the handler instead reads one SQS event from stdin,
// which allows local testing without the Lambda runtime:
//
//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/lambda-worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"notifypipe/internal/config"
	"notifypipe/internal/platform"
	"notifypipe/internal/queue"
	sqsqueue "notifypipe/internal/queue/sqs"
	"notifypipe/internal/types"
	"notifypipe/internal/worker"
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
	logger.Info("lambda worker initializing (cold start)",
		"environment", cfg.Environment,
		"build", cfg.Build,
		"channels", cfg.Pipeline.Channels,
	)

	ctx := context.Background()
	backends, err := platform.Open(ctx, cfg, tlog)
	if err != nil {
		return err
	}
	defer backends.Close()

	rec, _, err := platform.NewMetrics(ctx, cfg, tlog)
	if err != nil {
		return err
	}

	h, err := newHandler(cfg, backends, rec, tlog)
	if err != nil {
		return err
	}

	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		return runLocal(ctx, os.Stdin, os.Stderr, h.Handle, logger)
	}

	lambda.Start(h.Handle)
	return nil
}

// reapingHandler runs an idempotency sweep at most once per interval before
// handling a batch. Lambda has no background goroutine that outlives an
// invocation, so the sweep piggybacks on traffic.
type reapingHandler struct {
	inner    *sqsqueue.LambdaHandler
	reaper   *worker.Reaper
	interval time.Duration
	now      func() time.Time
	logger   types.Logger

	mu       sync.Mutex
	lastReap time.Time
}

func newHandler(cfg *config.Config, b *platform.Backends, m worker.Metrics, logger types.Logger) (*reapingHandler, error) {
	channels := cfg.Pipeline.ChannelList()
	if len(channels) != 1 {
		return nil, fmt.Errorf("lambda worker serves exactly one channel, got %d", len(channels))
	}
	ch := channels[0]
	queueName, err := queue.QueueFor(ch)
	if err != nil {
		return nil, err
	}

	pipeline, err := platform.NewPipeline(cfg, b, m, logger)
	if err != nil {
		return nil, err
	}

	return &reapingHandler{
		inner:    sqsqueue.NewLambdaHandler(pipeline.Workers[ch], b.Broker, queueName, logger.With("channel", ch)),
		reaper:   pipeline.Reaper,
		interval: cfg.Idempotency.ReapInterval,
		now:      time.Now,
		logger:   logger,
	}, nil
}

func (h *reapingHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	h.maybeReap(ctx)
	return h.inner.Handle(ctx, event)
}

func (h *reapingHandler) maybeReap(ctx context.Context) {
	if h.reaper == nil {
		return
	}
	h.mu.Lock()
	now := h.now()
	due := h.lastReap.IsZero() || now.Sub(h.lastReap) >= h.interval
	if due {
		h.lastReap = now
	}
	h.mu.Unlock()
	if !due {
		return
	}

	reclaimed, purged, err := h.reaper.RunOnce(ctx)
	if err != nil {
		h.logger.Warn("idempotency sweep failed", "error", err)
		return
	}
	if reclaimed > 0 || purged > 0 {
		h.logger.Info("idempotency sweep complete", "reclaimed", reclaimed, "purged", purged)
	}
}

type eventHandler func(context.Context, events.SQSEvent) (events.SQSEventResponse, error)

// runLocal decodes one SQS event from in, handles it, and writes the batch
// response to out when any record failed.
func runLocal(ctx context.Context, in io.Reader, out io.Writer, handle eventHandler, logger *slog.Logger) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}
	var event events.SQSEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parse stdin as SQS event: %w", err)
	}

	response, err := handle(ctx, event)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}
	if len(response.BatchItemFailures) > 0 {
		logger.Warn("handler reported partial failures", "failed_count", len(response.BatchItemFailures))
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(out, string(respJSON))
	}
	logger.Info("handler execution completed",
		"records_processed", len(event.Records),
		"failures", len(response.BatchItemFailures),
	)
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
