package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

// Runner feeds one channel queue into a Worker with bounded concurrency.
type Runner struct {
	worker      *Worker
	consumer    queue.Consumer
	queueName   string
	concurrency int
	grace       time.Duration
	logger      types.Logger
}

// NewRunner creates a Runner. concurrency below 1 is treated as 1.
func NewRunner(w *Worker, consumer queue.Consumer, concurrency int, grace time.Duration, logger types.Logger) (*Runner, error) {
	queueName, err := queue.QueueFor(w.opts.Channel)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Runner{
		worker:      w,
		consumer:    consumer,
		queueName:   queueName,
		concurrency: concurrency,
		grace:       grace,
		logger:      logger.With("channel", w.opts.Channel, "queue", queueName, "worker_id", w.ID()),
	}, nil
}

// Run consumes until ctx is cancelled. In-flight messages then get the grace
// period to finish; after that their work context is cancelled and they are
// deferred back to the queue. Run returns once every goroutine has exited.
func (r *Runner) Run(ctx context.Context) error {
	deliveries, err := r.consumer.Consume(ctx, r.queueName)
	if err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	stopGrace := context.AfterFunc(ctx, func() {
		r.logger.Info("shutdown requested; draining in-flight messages", "grace", r.grace)
		t := time.NewTimer(r.grace)
		defer t.Stop()
		select {
		case <-t.C:
			r.logger.Warn("grace period elapsed; interrupting in-flight messages")
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stopGrace()

	r.logger.Info("worker started", "concurrency", r.concurrency)

	var g errgroup.Group
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					r.worker.Handle(workCtx, d)
				}
			}
		})
	}
	err = g.Wait()
	cancelWork()

	r.logger.Info("worker stopped")
	return err
}
