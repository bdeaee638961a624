package platform

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"notifypipe/internal/config"
	"notifypipe/internal/external"
	"notifypipe/internal/render"
	"notifypipe/internal/types"
	"notifypipe/internal/worker"
)

// Pipeline is one worker per configured channel plus the idempotency reaper.
type Pipeline struct {
	Workers map[types.Channel]*worker.Worker
	Reaper  *worker.Reaper

	runners []*worker.Runner
}

// NewPipeline builds the render client, provider sinks and workers for the
// channels in cfg.Pipeline.Channels. The workers publish retries and consume
// through b.Broker.
func NewPipeline(cfg *config.Config, b *Backends, m worker.Metrics, logger types.Logger) (*Pipeline, error) {
	channels := cfg.Pipeline.ChannelList()
	if len(channels) == 0 {
		return nil, fmt.Errorf("no worker channels configured")
	}

	renderer := render.NewBreakerClient(
		render.NewHTTPClient(&http.Client{}, cfg.Render.BaseURL, cfg.Pipeline.RenderTimeout,
			render.WithUserAgent(cfg.Build.UserAgent("worker"))),
		render.BreakerSettings{
			FailureThreshold: cfg.Render.FailureThreshold,
			Cooldown:         cfg.Render.Cooldown,
			Window:           cfg.Render.Window,
		},
		logger,
	)
	sinks := external.NewSinkRegistry(cfg.Provider, channels, cfg.Build.UserAgent("worker"), logger)

	retry := worker.RetryPolicy{
		MaxRetries:    cfg.Pipeline.MaxRetries,
		BaseDelay:     cfg.Pipeline.RetryBaseDelay,
		MaxDelay:      cfg.Pipeline.RetryMaxDelay,
		BackoffFactor: worker.DefaultRetryPolicy.BackoffFactor,
		Jitter:        cfg.Pipeline.RetryJitter,
	}

	p := &Pipeline{Workers: make(map[types.Channel]*worker.Worker, len(channels))}
	for _, ch := range channels {
		w := worker.New(worker.Options{
			Channel:         ch,
			Publisher:       b.Broker,
			Idempotency:     b.Idempotency,
			DeadLetters:     b.DeadLetters,
			Renderer:        renderer,
			Sink:            sinks,
			Metrics:         m,
			Logger:          logger,
			Retry:           retry,
			RenderTimeout:   cfg.Pipeline.RenderTimeout,
			SendTimeout:     cfg.Pipeline.SendTimeout,
			QueueOpTimeout:  cfg.Broker.PublishTimeout,
			ContentionDelay: cfg.Pipeline.ContentionDelay,
		})
		r, err := worker.NewRunner(w, b.Broker, cfg.Pipeline.Concurrency, cfg.Pipeline.ShutdownGrace, logger)
		if err != nil {
			return nil, fmt.Errorf("runner for %s: %w", ch, err)
		}
		p.Workers[ch] = w
		p.runners = append(p.runners, r)
	}

	if cfg.Idempotency.ReapInterval > 0 {
		p.Reaper = worker.NewReaper(b.Idempotency, cfg.Idempotency.StaleAfter, cfg.Idempotency.ReapInterval, nil, logger.With("component", "reaper"))
	}
	return p, nil
}

// Run consumes every channel queue until ctx is cancelled and returns once
// all runners have drained.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	if p.Reaper != nil {
		g.Go(func() error {
			p.Reaper.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}
