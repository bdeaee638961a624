// Package memory is an in-process Broker with controllable failure and delay
// injection. It backs the test suites and APP_ENV=local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

const defaultBuffer = 4096

// ErrQueueFull is returned when a queue buffer is exhausted.
var ErrQueueFull = errors.New("memory broker: queue full")

// ErrSettled is returned when a delivery is acknowledged twice, or after the
// broker has already taken it back.
var ErrSettled = errors.New("memory broker: delivery already settled")

// Published records one accepted publish.
type Published struct {
	Queue   string
	Request types.NotificationRequest
	Delay   time.Duration
}

// PublishHook may veto a publish by returning an error.
type PublishHook func(queueName string, req types.NotificationRequest, delay time.Duration) error

// Option configures a Broker.
type Option func(*Broker)

// WithDelayFunc maps the requested delay onto the actual wait. Tests use it
// to collapse retry delays to zero while still recording the requested value.
func WithDelayFunc(f func(time.Duration) time.Duration) Option {
	return func(b *Broker) { b.delayFunc = f }
}

// WithLogger reports messages the broker drops after the publisher was
// already told they were accepted.
func WithLogger(l types.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithBuffer sets the per-queue capacity.
func WithBuffer(n int) Option {
	return func(b *Broker) { b.buffer = n }
}

type envelope struct {
	body    []byte
	attempt int
}

// Broker implements queue.Broker in memory.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]chan *envelope
	published []Published
	unacked   map[uint64]*delivery
	nextTag   uint64
	timers    map[*time.Timer]struct{}
	hook      PublishHook
	delayFunc func(time.Duration) time.Duration
	buffer    int
	closed    bool
	dropped   int
	logger    types.Logger
}

var _ queue.Broker = (*Broker)(nil)

// New creates a Broker with the standard topology declared.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string]chan *envelope),
		unacked:   make(map[uint64]*delivery),
		timers:    make(map[*time.Timer]struct{}),
		delayFunc: func(d time.Duration) time.Duration { return d },
		buffer:    defaultBuffer,
		logger:    types.NopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, name := range []string{queue.PushQueue, queue.EmailQueue, queue.FailedQueue} {
		b.queues[name] = make(chan *envelope, b.buffer)
	}
	return b
}

// SetPublishHook installs a hook consulted before every publish. Pass nil to
// remove it.
func (b *Broker) SetPublishHook(h PublishHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = h
}

// Publish enqueues req immediately.
func (b *Broker) Publish(ctx context.Context, queueName string, req types.NotificationRequest) error {
	return b.publish(ctx, queueName, req, 0)
}

// PublishDelayed enqueues req after delay.
func (b *Broker) PublishDelayed(ctx context.Context, queueName string, req types.NotificationRequest, delay time.Duration) error {
	return b.publish(ctx, queueName, req, delay)
}

func (b *Broker) publish(ctx context.Context, queueName string, req types.NotificationRequest, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := queue.Encode(req)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return queue.ErrClosed
	}
	ch, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	if b.hook != nil {
		if err := b.hook(queueName, req, delay); err != nil {
			return err
		}
	}

	b.published = append(b.published, Published{Queue: queueName, Request: req, Delay: delay})
	env := &envelope{body: body, attempt: 1}

	wait := b.delayFunc(delay)
	if wait <= 0 {
		return b.enqueueLocked(ch, env)
	}

	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, timer)
		if !b.closed {
			b.lateEnqueueLocked(queueName, ch, env, "delayed publish")
		}
	})
	b.timers[timer] = struct{}{}
	return nil
}

// lateEnqueueLocked enqueues a message whose publisher already saw success.
// A full buffer drops it; drops are logged and counted in Dropped.
func (b *Broker) lateEnqueueLocked(queueName string, ch chan *envelope, env *envelope, source string) {
	if err := b.enqueueLocked(ch, env); err != nil {
		b.dropped++
		b.logger.Error("memory broker dropped message",
			"queue", queueName,
			"source", source,
			"buffer", b.buffer,
			"error", err,
		)
	}
}

func (b *Broker) enqueueLocked(ch chan *envelope, env *envelope) error {
	select {
	case ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// PublishRaw enqueues an arbitrary body, bypassing encoding. Used to inject
// malformed messages.
func (b *Broker) PublishRaw(queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	return b.enqueueLocked(ch, &envelope{body: body, attempt: 1})
}

// Consume starts a competing consumer on queueName.
func (b *Broker) Consume(ctx context.Context, queueName string) (<-chan queue.Delivery, error) {
	b.mu.Lock()
	ch, ok := b.queues[queueName]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, queue.ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-ch:
				d := b.track(queueName, env)
				if d == nil {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					b.untrackAndRequeue(d)
					return
				}
			}
		}
	}()
	return out, nil
}

// Get pulls one delivery without blocking. It lets tests drive a worker step
// by step.
func (b *Broker) Get(queueName string) (queue.Delivery, bool) {
	b.mu.Lock()
	ch, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	for {
		select {
		case env := <-ch:
			if d := b.track(queueName, env); d != nil {
				return d, true
			}
		default:
			return nil, false
		}
	}
}

// track registers an outstanding delivery. Messages that cannot be decoded
// are moved to failed.queue and nil is returned.
func (b *Broker) track(queueName string, env *envelope) *delivery {
	req, err := queue.Decode(env.body)

	b.mu.Lock()
	if err != nil {
		if ch, ok := b.queues[queue.FailedQueue]; ok && queueName != queue.FailedQueue {
			_ = b.enqueueLocked(ch, env)
			b.mu.Unlock()
			return nil
		}
	}
	d := &delivery{broker: b, queue: queueName, env: env, req: req}
	b.nextTag++
	d.tag = b.nextTag
	b.unacked[d.tag] = d
	b.mu.Unlock()
	return d
}

func (b *Broker) untrackAndRequeue(d *delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.settled {
		return
	}
	d.settled = true
	delete(b.unacked, d.tag)
	if ch, ok := b.queues[d.queue]; ok && !b.closed {
		b.lateEnqueueLocked(d.queue, ch, d.env, "requeue")
	}
}

// RedeliverUnacked returns every outstanding delivery to its queue, as a
// broker does when a consumer connection drops. Late Ack/Nack calls on those
// deliveries fail with ErrSettled.
func (b *Broker) RedeliverUnacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for tag, d := range b.unacked {
		d.settled = true
		delete(b.unacked, tag)
		if ch, ok := b.queues[d.queue]; ok && !b.closed {
			b.lateEnqueueLocked(d.queue, ch, &envelope{body: d.env.body, attempt: d.env.attempt + 1}, "redelivery")
			n++
		}
	}
	return n
}

// Published returns every accepted publish in order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo filters Published by queue.
func (b *Broker) PublishedTo(queueName string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Queue == queueName {
			out = append(out, p)
		}
	}
	return out
}

// Depth returns the number of ready messages in queueName.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queueName])
}

// Dropped returns how many accepted messages were lost to a full buffer.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Unacked returns the number of outstanding deliveries.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Ping reports whether the broker is open.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	return nil
}

// Close stops pending delayed publishes. Queued messages are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	return nil
}

type delivery struct {
	broker  *Broker
	tag     uint64
	queue   string
	env     *envelope
	req     types.NotificationRequest
	settled bool
}

func (d *delivery) Message() types.NotificationRequest { return d.req }
func (d *delivery) Queue() string                      { return d.queue }
func (d *delivery) Attempt() int                       { return d.env.attempt }

func (d *delivery) Ack(context.Context) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	delete(b.unacked, d.tag)
	return nil
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	delete(b.unacked, d.tag)
	if b.closed {
		return queue.ErrClosed
	}

	if requeue {
		return b.enqueueLocked(b.queues[d.queue], &envelope{body: d.env.body, attempt: d.env.attempt + 1})
	}
	return b.enqueueLocked(b.queues[queue.FailedQueue], &envelope{body: d.env.body, attempt: 1})
}
