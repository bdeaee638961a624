// Package worker consumes a channel queue and drives each message through
// dedup, render and send, ending in exactly one of: ack, delayed re-publish,
// or dead letter.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"notifypipe/internal/provider"
	"notifypipe/internal/queue"
	"notifypipe/internal/render"
	"notifypipe/internal/types"
)

// Disposition is how a message left the worker.
type Disposition string

const (
	// Delivered: sent, recorded as delivered, acked.
	Delivered Disposition = "delivered"
	// Duplicate: a terminal record already existed; acked without sending.
	Duplicate Disposition = "duplicate"
	// Contention: another worker holds the claim; a delayed copy with the
	// same retry_count was published and the original acked.
	Contention Disposition = "contention"
	// RetryScheduled: a delayed copy with retry_count+1 was published.
	RetryScheduled Disposition = "retry_scheduled"
	// DeadLettered: recorded in the dead letter store and acked.
	DeadLettered Disposition = "dead_lettered"
	// DeadLetterPending: the dead letter store was unavailable; a delayed
	// copy carrying the final outcome was published and the original acked.
	// The copy is recorded without being rendered or sent again.
	DeadLetterPending Disposition = "dead_letter_pending"
	// Deferred: processing was interrupted by shutdown; a delayed copy with
	// the same retry_count was published.
	Deferred Disposition = "deferred"
	// Requeued: after a backoff sleep the message was handed back to the
	// broker (Nack with requeue) because a store or the queue was unavailable.
	Requeued Disposition = "requeued"
)

// IdempotencyStore is the subset of idempotency.Store the worker uses.
type IdempotencyStore interface {
	TryBegin(ctx context.Context, requestID, owner string) (bool, *types.IdempotencyRecord, error)
	Complete(ctx context.Context, requestID string, status types.IdempotencyStatus, snapshot *types.DeliveryOutcome) error
	Release(ctx context.Context, requestID, owner string) error
}

// DeadLetterRecorder persists abandoned messages.
type DeadLetterRecorder interface {
	Record(ctx context.Context, entry types.DeadLetterEntry) error
}

// deadLetterRecordAttempts bounds in-place retries of the dead letter write.
const deadLetterRecordAttempts = 3

// Options configures a Worker. Zero durations fall back to the defaults.
type Options struct {
	Channel     types.Channel
	WorkerID    string
	Publisher   queue.Publisher
	Idempotency IdempotencyStore
	DeadLetters DeadLetterRecorder
	Renderer    render.Client
	Sink        provider.Sink
	Metrics     Metrics
	Clock       types.Clock
	Logger      types.Logger

	Retry           RetryPolicy
	RenderTimeout   time.Duration
	SendTimeout     time.Duration
	QueueOpTimeout  time.Duration
	ContentionDelay time.Duration

	// Rand yields values in [0, 1) for jitter. Defaults to math/rand/v2.
	Rand func() float64
}

// Worker processes deliveries for one channel. It is safe for concurrent use;
// all coordination between workers goes through the idempotency store.
type Worker struct {
	opts Options
}

// New creates a Worker.
func New(o Options) *Worker {
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = types.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = types.NopLogger{}
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.QueueOpTimeout <= 0 {
		o.QueueOpTimeout = 5 * time.Second
	}
	if o.ContentionDelay <= 0 {
		o.ContentionDelay = 500 * time.Millisecond
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return &Worker{opts: o}
}

// ID returns the owner id this worker writes into idempotency claims.
func (w *Worker) ID() string { return w.opts.WorkerID }

// attempt carries per-message state through Handle.
type attempt struct {
	d      queue.Delivery
	msg    types.NotificationRequest
	logger types.Logger
	// claimed is true while this worker holds the in_progress record.
	claimed bool
}

// Handle processes one delivery to completion. ctx is the work context: when
// it is cancelled mid-flight the message is deferred rather than failed.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) Disposition {
	msg := d.Message()
	a := &attempt{
		d:   d,
		msg: msg,
		logger: w.opts.Logger.With(
			"request_id", msg.RequestID,
			"correlation_id", msg.CorrelationID,
			"channel", msg.Channel,
			"retry_count", msg.RetryCount,
			"delivery_attempt", d.Attempt(),
		),
	}

	disp := w.handle(ctx, a)
	w.opts.Metrics.RecordDelivery(ctx, w.opts.Channel, string(disp))
	return disp
}

func (w *Worker) handle(ctx context.Context, a *attempt) Disposition {
	if !a.msg.EnqueuedAt.IsZero() {
		w.opts.Metrics.RecordQueueLag(ctx, w.opts.Channel, w.opts.Clock.Now().Sub(a.msg.EnqueuedAt))
	}

	if ctx.Err() != nil {
		return w.requeue(ctx, a, "worker stopping before processing", 0)
	}

	if final, ok := parkedOutcome(a.msg); ok {
		kind := final.ErrorKind
		if final.Status != types.OutcomePermanentFailure {
			kind = types.KindRetriesExhausted
		}
		a.logger.Info("recording parked dead letter", "error_kind", kind)
		return w.deadLetterWithHistory(ctx, a, kind, final)
	}

	if err := w.validate(a.msg); err != nil {
		return w.deadLetter(ctx, a, types.KindValidation, err)
	}

	if disp, ok := w.claim(ctx, a); !ok {
		return disp
	}

	rendered, err := w.render(ctx, a)
	if err != nil {
		return w.fail(ctx, a, err, types.KindRenderTransient, 0)
	}

	res, err := w.send(ctx, a, rendered)
	if err == nil && res.Status == types.OutcomeDelivered {
		return w.complete(ctx, a, res)
	}
	if err == nil {
		err = types.NewPipelineError(sendKind(res.Status), res.Reason, nil)
	}
	return w.fail(ctx, a, err, types.KindSendTransient, res.RetryAfter)
}

func (w *Worker) validate(msg types.NotificationRequest) error {
	switch {
	case msg.Channel != w.opts.Channel:
		return types.NewPipelineError(types.KindValidation, "message routed to the wrong channel queue: "+string(msg.Channel), nil)
	case msg.Recipient == "":
		return types.NewPipelineError(types.KindValidation, "message has no recipient", nil)
	case msg.TemplateID == "":
		return types.NewPipelineError(types.KindValidation, "message has no template_id", nil)
	}
	return nil
}

// claim runs the dedup check. It returns ok=false with the final disposition
// when processing must stop here.
func (w *Worker) claim(ctx context.Context, a *attempt) (Disposition, bool) {
	opCtx, cancel := w.opCtx(ctx)
	won, existing, err := w.opts.Idempotency.TryBegin(opCtx, a.msg.RequestID, w.opts.WorkerID)
	cancel()

	switch {
	case err != nil:
		a.logger.Error("idempotency store unavailable", "error", err)
		return w.requeue(ctx, a, "idempotency store unavailable", w.shortBackoff()), false
	case won:
		a.claimed = true
		return "", true
	case existing != nil && existing.Status.Terminal():
		a.logger.Info("duplicate delivery dropped", "existing_status", existing.Status)
		w.ack(ctx, a)
		return Duplicate, false
	default:
		return w.contend(ctx, a), false
	}
}

// contend handles DEDUP_CONTENTION: another worker holds the claim. The
// message goes back through the delay path with its retry_count unchanged.
func (w *Worker) contend(ctx context.Context, a *attempt) Disposition {
	delay := jitter(w.opts.ContentionDelay, 0.5, 0, w.opts.Rand)
	a.logger.Info("claim held by another worker", "error_kind", types.KindDedupContention, "delay", delay)

	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	if err := w.opts.Publisher.PublishDelayed(opCtx, a.d.Queue(), a.msg, delay); err != nil {
		a.logger.Error("contention re-publish failed", "error_kind", types.KindQueueUnavailable, "error", err)
		return w.requeue(ctx, a, "queue unavailable", w.shortBackoff())
	}
	w.ack(ctx, a)
	return Contention
}

func (w *Worker) render(ctx context.Context, a *attempt) (*render.Rendered, error) {
	rctx, cancel := context.WithTimeout(w.tagged(ctx, a), w.opts.RenderTimeout)
	defer cancel()

	start := w.opts.Clock.Now()
	out, err := w.opts.Renderer.Render(rctx, a.msg.TemplateID, a.msg.TemplateData, a.msg.LanguageCode)
	w.opts.Metrics.RecordLatency(ctx, w.opts.Channel, "render", w.opts.Clock.Now().Sub(start))
	return out, err
}

func (w *Worker) send(ctx context.Context, a *attempt, r *render.Rendered) (provider.Result, error) {
	sctx, cancel := context.WithTimeout(w.tagged(ctx, a), w.opts.SendTimeout)
	defer cancel()

	start := w.opts.Clock.Now()
	res, err := w.opts.Sink.Send(sctx, provider.Message{
		RequestID:     a.msg.RequestID,
		Channel:       a.msg.Channel,
		Recipient:     a.msg.Recipient,
		Subject:       r.Subject,
		Body:          r.Body,
		Priority:      a.msg.Priority,
		CorrelationID: a.msg.CorrelationID,
	})
	w.opts.Metrics.RecordLatency(ctx, w.opts.Channel, "send", w.opts.Clock.Now().Sub(start))
	return res, err
}

func sendKind(status types.OutcomeStatus) types.ErrorKind {
	if status == types.OutcomePermanentFailure {
		return types.KindSendPermanent
	}
	return types.KindSendTransient
}

// complete records the delivery and acks. A failed Complete is logged only:
// the provider already accepted the message and the claim blocks duplicates
// until the reaper clears it.
func (w *Worker) complete(ctx context.Context, a *attempt, res provider.Result) Disposition {
	outcome := &types.DeliveryOutcome{
		Status:            types.OutcomeDelivered,
		AttemptNumber:     a.msg.RetryCount + 1,
		ProviderMessageID: res.ProviderMessageID,
		OccurredAt:        w.opts.Clock.Now(),
	}

	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	if err := w.opts.Idempotency.Complete(opCtx, a.msg.RequestID, types.IdempotencyDelivered, outcome); err != nil {
		a.logger.Error("failed to record delivery", "error", err)
	}
	a.claimed = false

	a.logger.Info("notification delivered", "provider_message_id", res.ProviderMessageID)
	w.ack(ctx, a)
	return Delivered
}

// fail routes a render or send failure to retry, dead letter or deferral.
func (w *Worker) fail(ctx context.Context, a *attempt, err error, fallback types.ErrorKind, retryAfter time.Duration) Disposition {
	if ctx.Err() != nil {
		return w.defer_(ctx, a, err)
	}

	kind := types.KindOf(err, fallback)
	if !kind.IsTransient() {
		return w.deadLetter(ctx, a, kind, err)
	}
	return w.retry(ctx, a, kind, err, retryAfter)
}

func (w *Worker) outcome(a *attempt, status types.OutcomeStatus, kind types.ErrorKind, err error) types.DeliveryOutcome {
	o := types.DeliveryOutcome{
		Status:        status,
		ErrorKind:     kind,
		AttemptNumber: a.msg.RetryCount + 1,
		OccurredAt:    w.opts.Clock.Now(),
	}
	if err != nil {
		o.Message = err.Error()
	}
	return o
}

// retry publishes the next attempt before acking the current one.
func (w *Worker) retry(ctx context.Context, a *attempt, kind types.ErrorKind, cause error, retryAfter time.Duration) Disposition {
	outcome := w.outcome(a, types.OutcomeTransientFailure, kind, cause)

	policy := w.opts.Retry
	if policy.Exhausted(a.msg.RetryCount) {
		a.msg = a.msg.WithOutcome(outcome)
		return w.deadLetterWithHistory(ctx, a, types.KindRetriesExhausted, outcome)
	}

	delay := policy.Delay(a.msg.RetryCount, w.opts.Rand)
	if retryAfter > delay {
		delay = min(retryAfter, policy.MaxDelay)
	}
	next := a.msg.NextAttempt(a.msg.RetryCount+1, outcome)

	opCtx, cancel := w.opCtx(ctx)
	defer cancel()

	if err := w.opts.Publisher.PublishDelayed(opCtx, a.d.Queue(), next, delay); err != nil {
		a.logger.Error("retry re-publish failed",
			"error_kind", types.KindQueueUnavailable,
			"cause_kind", kind,
			"error", err,
		)
		return w.requeue(ctx, a, "queue unavailable", delay)
	}

	w.release(opCtx, a)
	a.logger.Warn("delivery attempt failed; retry scheduled",
		"error_kind", kind,
		"error", cause,
		"next_retry_count", next.RetryCount,
		"delay", delay,
	)
	w.ack(ctx, a)
	return RetryScheduled
}

func (w *Worker) deadLetter(ctx context.Context, a *attempt, kind types.ErrorKind, cause error) Disposition {
	outcome := w.outcome(a, types.OutcomePermanentFailure, kind, cause)
	a.msg = a.msg.WithOutcome(outcome)
	return w.deadLetterWithHistory(ctx, a, kind, outcome)
}

// deadLetterWithHistory expects a.msg.History to already include outcome.
func (w *Worker) deadLetterWithHistory(ctx context.Context, a *attempt, kind types.ErrorKind, outcome types.DeliveryOutcome) Disposition {
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()

	entry := types.DeadLetterEntry{
		RequestID:    a.msg.RequestID,
		Channel:      a.msg.Channel,
		Request:      a.msg,
		History:      a.msg.History,
		Attempts:     a.msg.RetryCount + 1,
		LastError:    kind,
		MovedToDLQAt: w.opts.Clock.Now(),
	}
	if err := w.recordDeadLetter(ctx, a, entry); err != nil {
		return w.park(ctx, a, kind, err)
	}

	if err := w.opts.Idempotency.Complete(opCtx, a.msg.RequestID, types.IdempotencyPermanentlyFailed, &outcome); err != nil {
		a.logger.Error("failed to record permanent failure", "error", err)
	}
	a.claimed = false

	if err := w.opts.Publisher.Publish(opCtx, queue.FailedQueue, a.msg); err != nil {
		a.logger.Warn("failed to copy message to failed queue", "error", err)
	}

	a.logger.Error("notification dead-lettered", "error_kind", kind, "error", outcome.Message, "attempts", entry.Attempts)
	w.ack(ctx, a)
	return DeadLettered
}

// recordDeadLetter retries the dead letter write in place with a short
// backoff. It stops early when ctx is cancelled.
func (w *Worker) recordDeadLetter(ctx context.Context, a *attempt, entry types.DeadLetterEntry) error {
	var err error
	for i := range deadLetterRecordAttempts {
		if i > 0 {
			if queue.Sleep(ctx, jitter(w.opts.ContentionDelay<<i, 0.5, 0, w.opts.Rand)) != nil {
				break
			}
		}
		opCtx, cancel := w.opCtx(ctx)
		err = w.opts.DeadLetters.Record(opCtx, entry)
		cancel()
		if err == nil {
			return nil
		}
		a.logger.Warn("dead letter record failed", "attempt", i+1, "error", err)
	}
	return err
}

// park re-publishes a message whose dead letter write failed. a.msg already
// carries the final outcome for this attempt, so the next delivery records it
// without rendering or sending again (see parkedOutcome).
func (w *Worker) park(ctx context.Context, a *attempt, kind types.ErrorKind, cause error) Disposition {
	delay := w.opts.Retry.Delay(a.msg.RetryCount, w.opts.Rand)
	a.logger.Error("dead letter store unavailable; parking message",
		"error_kind", kind,
		"error", cause,
		"delay", delay,
	)

	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	w.release(opCtx, a)
	if err := w.opts.Publisher.PublishDelayed(opCtx, a.d.Queue(), a.msg, delay); err != nil {
		a.logger.Error("park re-publish failed", "error_kind", types.KindQueueUnavailable, "error", err)
		return w.requeue(ctx, a, "dead letter store and queue unavailable", w.shortBackoff())
	}
	w.ack(ctx, a)
	return DeadLetterPending
}

// parkedOutcome returns the final outcome of a parked message. Its history
// already holds an outcome for the current attempt, which a normal retry
// never does: NextAttempt bumps retry_count to match the outcome it appends.
func parkedOutcome(msg types.NotificationRequest) (types.DeliveryOutcome, bool) {
	if len(msg.History) == 0 {
		return types.DeliveryOutcome{}, false
	}
	last := msg.History[len(msg.History)-1]
	return last, last.AttemptNumber > msg.RetryCount
}

// defer_ handles shutdown mid-flight: release the claim and re-publish with
// the same retry_count, so the interruption does not consume the budget.
func (w *Worker) defer_(ctx context.Context, a *attempt, cause error) Disposition {
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()

	w.release(opCtx, a)
	if err := w.opts.Publisher.PublishDelayed(opCtx, a.d.Queue(), a.msg, w.opts.ContentionDelay); err != nil {
		a.logger.Error("shutdown re-publish failed; returning message to broker", "error_kind", types.KindShutdown, "error", err)
		w.nack(ctx, a)
		return Requeued
	}
	a.logger.Warn("processing interrupted by shutdown; message deferred", "error_kind", types.KindShutdown, "error", cause)
	w.ack(ctx, a)
	return Deferred
}

// requeue releases any claim, waits out backoff and nacks. The sleep keeps a
// message from cycling straight back through the broker while a dependency is
// down; it ends early on shutdown.
func (w *Worker) requeue(ctx context.Context, a *attempt, reason string, backoff time.Duration) Disposition {
	if a.claimed {
		opCtx, cancel := w.opCtx(ctx)
		w.release(opCtx, a)
		cancel()
	}
	a.logger.Warn("returning message to broker", "reason", reason, "backoff", backoff)
	_ = queue.Sleep(ctx, backoff)
	w.nack(ctx, a)
	return Requeued
}

func (w *Worker) shortBackoff() time.Duration {
	return jitter(w.opts.ContentionDelay, 0.5, 0, w.opts.Rand)
}

func (w *Worker) release(ctx context.Context, a *attempt) {
	if !a.claimed {
		return
	}
	if err := w.opts.Idempotency.Release(ctx, a.msg.RequestID, w.opts.WorkerID); err != nil {
		a.logger.Warn("failed to release claim; reaper will reclaim it", "error", err)
	}
	a.claimed = false
}

func (w *Worker) ack(ctx context.Context, a *attempt) {
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	if err := a.d.Ack(opCtx); err != nil {
		a.logger.Warn("ack failed; broker will redeliver", "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, a *attempt) {
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	if err := a.d.Nack(opCtx, true); err != nil && !errors.Is(err, queue.ErrClosed) {
		a.logger.Warn("nack failed", "error", err)
	}
}

// opCtx detaches finalization from work cancellation so a shutdown never
// leaves a message half-settled.
func (w *Worker) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.opts.QueueOpTimeout)
}

func (w *Worker) tagged(ctx context.Context, a *attempt) context.Context {
	ctx = types.WithRequestID(ctx, a.msg.RequestID)
	if a.msg.CorrelationID != "" {
		ctx = types.WithCorrelationID(ctx, a.msg.CorrelationID)
	}
	return ctx
}
