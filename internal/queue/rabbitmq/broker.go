// Package rabbitmq implements queue.Broker on RabbitMQ with publisher
// confirms, durable queues and persistent messages. Connection loss is
// repaired lazily with exponential backoff.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notifypipe/internal/config"
	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

// ErrNacked is returned when the broker refuses a publish.
var ErrNacked = errors.New("rabbitmq: publish not confirmed")

// Broker implements queue.Broker.
type Broker struct {
	url      string
	strategy string
	prefetch int
	minWait  time.Duration
	maxWait  time.Duration
	logger   types.Logger
	now      func() time.Time

	mu        sync.Mutex
	conn      *amqp.Connection
	pub       *amqp.Channel
	delayQs   map[string]bool
	consumers map[*amqp.Channel]struct{}
	closed    bool
}

var _ queue.Broker = (*Broker)(nil)

// Dial connects, declares the topology and returns a ready Broker. It keeps
// retrying with backoff until ctx expires.
func Dial(ctx context.Context, cfg config.BrokerConfig, logger types.Logger) (*Broker, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}
	b := &Broker{
		url:       cfg.AMQPURL.Unmask(),
		strategy:  cfg.DelayStrategy,
		prefetch:  cfg.PrefetchCount,
		minWait:   cfg.ReconnectMin,
		maxWait:   cfg.ReconnectMax,
		logger:    logger.With("component", "rabbitmq"),
		now:       func() time.Time { return time.Now().UTC() },
		consumers: make(map[*amqp.Channel]struct{}),
	}
	if b.strategy == "" {
		b.strategy = DelayPlugin
	}
	if b.prefetch < 1 {
		b.prefetch = 1
	}
	if b.minWait <= 0 {
		b.minWait = 500 * time.Millisecond
	}
	if b.maxWait < b.minWait {
		b.maxWait = 30 * time.Second
	}
	if _, err := b.connection(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// connection returns a live connection, redialing with backoff if needed.
// The caller must not hold b.mu.
func (b *Broker) connection(ctx context.Context) (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionLocked(ctx)
}

func (b *Broker) connectionLocked(ctx context.Context) (*amqp.Connection, error) {
	if b.closed {
		return nil, queue.ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := b.dial()
		if err == nil {
			b.conn = conn
			b.pub = nil
			b.delayQs = make(map[string]bool)
			if attempt > 0 {
				b.logger.Info("broker connection restored", "attempts", attempt+1)
			}
			return conn, nil
		}
		lastErr = err

		wait := queue.Backoff(attempt, b.minWait, b.maxWait)
		b.logger.Warn("broker connection failed; retrying",
			"error_kind", types.KindQueueUnavailable,
			"error", err,
			"attempt", attempt+1,
			"wait", wait,
		)
		if err := queue.Sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("rabbitmq: connect: %w", lastErr)
		}
	}
}

func (b *Broker) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "notifypipe"},
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := declareTopology(ch, b.strategy); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// publisher returns the shared confirm-mode channel.
func (b *Broker) publisher(ctx context.Context) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}
	b.pub = ch
	b.delayQs = make(map[string]bool)
	return ch, nil
}

// Publish routes req to queueName through the direct exchange and waits for
// the broker confirm.
func (b *Broker) Publish(ctx context.Context, queueName string, req types.NotificationRequest) error {
	return b.publish(ctx, queueName, req, 0)
}

// PublishDelayed makes req visible on queueName after delay.
func (b *Broker) PublishDelayed(ctx context.Context, queueName string, req types.NotificationRequest, delay time.Duration) error {
	return b.publish(ctx, queueName, req, delay)
}

func (b *Broker) publish(ctx context.Context, queueName string, req types.NotificationRequest, delay time.Duration) error {
	if !knownQueue(queueName) {
		return fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	body, err := queue.Encode(req)
	if err != nil {
		return err
	}

	ch, err := b.publisher(ctx)
	if err != nil {
		return err
	}

	msg := publishing(req, body, b.now())
	exchange, key := queue.ExchangeName, queueName
	if delay > 0 {
		switch b.strategy {
		case DelayTTL:
			name, err := b.delayQueue(ch, queueName, delay)
			if err != nil {
				return err
			}
			exchange, key = "", name
		default:
			exchange = queue.DelayedExchangeName
			msg.Headers[headerDelay] = delay.Milliseconds()
		}
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish to %s: %w", queueName, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq: await confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNacked, queueName)
	}
	return nil
}

func (b *Broker) delayQueue(ch *amqp.Channel, target string, delay time.Duration) (string, error) {
	bucket := ttlBucket(delay)
	name := delayQueueName(target, bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delayQs[name] {
		return name, nil
	}
	if _, err := declareDelayQueue(ch, target, bucket); err != nil {
		return "", err
	}
	b.delayQs[name] = true
	return name, nil
}

// Consume starts a consumer with QoS prefetch on queueName. The consumer
// survives connection loss; the returned channel closes only when ctx is
// done or the broker is closed.
func (b *Broker) Consume(ctx context.Context, queueName string) (<-chan queue.Delivery, error) {
	if !knownQueue(queueName) {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}
	ch, msgs, tag, err := b.openConsumer(ctx, queueName)
	if err != nil {
		return nil, err
	}

	out := make(chan queue.Delivery)
	go b.consumeLoop(ctx, queueName, out, ch, msgs, tag)
	return out, nil
}

func (b *Broker) openConsumer(ctx context.Context, queueName string) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, "", fmt.Errorf("rabbitmq: open consume channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, "", fmt.Errorf("rabbitmq: set qos: %w", err)
	}
	tag := queueName + "-" + uuid.NewString()
	msgs, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, "", fmt.Errorf("rabbitmq: consume %s: %w", queueName, err)
	}

	b.mu.Lock()
	b.consumers[ch] = struct{}{}
	b.mu.Unlock()
	return ch, msgs, tag, nil
}

func (b *Broker) consumeLoop(ctx context.Context, queueName string, out chan<- queue.Delivery, ch *amqp.Channel, msgs <-chan amqp.Delivery, tag string) {
	defer close(out)
	logger := b.logger.With("queue", queueName)

	for {
		if b.forward(ctx, logger, queueName, out, ch, msgs, tag) {
			return
		}
		logger.Warn("consumer channel closed; reconnecting", "error_kind", types.KindQueueUnavailable)
		b.dropConsumer(ch)

		var err error
		for attempt := 0; ; attempt++ {
			ch, msgs, tag, err = b.openConsumer(ctx, queueName)
			if err == nil {
				break
			}
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			if queue.Sleep(ctx, queue.Backoff(attempt, b.minWait, b.maxWait)) != nil {
				return
			}
		}
		logger.Info("consumer re-established")
	}
}

// forward relays deliveries until ctx is done (returns true) or the channel
// closes underneath it (returns false).
func (b *Broker) forward(ctx context.Context, logger types.Logger, queueName string, out chan<- queue.Delivery, ch *amqp.Channel, msgs <-chan amqp.Delivery, tag string) bool {
	for {
		select {
		case <-ctx.Done():
			b.stopConsumer(ch, msgs, tag)
			return true
		case d, ok := <-msgs:
			if !ok {
				return ctx.Err() != nil
			}
			req, err := queue.Decode(d.Body)
			if err != nil {
				logger.Error("undecodable message moved to failed queue", "error", err, "message_id", d.MessageId)
				_ = d.Nack(false, false)
				continue
			}
			del := &delivery{d: d, req: req, queue: queueName}
			select {
			case out <- del:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				b.stopConsumer(ch, msgs, tag)
				return true
			}
		}
	}
}

// stopConsumer cancels the subscription and hands back prefetched messages.
// The channel stays open so in-flight deliveries can still be settled.
func (b *Broker) stopConsumer(ch *amqp.Channel, msgs <-chan amqp.Delivery, tag string) {
	if err := ch.Cancel(tag, false); err != nil {
		return
	}
	for d := range msgs {
		_ = d.Nack(false, true)
	}
}

func (b *Broker) dropConsumer(ch *amqp.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, ch)
	_ = ch.Close()
}

// Ping reports whether a live connection exists, dialing if necessary.
func (b *Broker) Ping(ctx context.Context) error {
	_, err := b.connection(ctx)
	return err
}

// Close shuts down every channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.consumers {
		_ = ch.Close()
	}
	b.consumers = nil
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type delivery struct {
	d     amqp.Delivery
	req   types.NotificationRequest
	queue string
}

func (d *delivery) Message() types.NotificationRequest { return d.req }
func (d *delivery) Queue() string                      { return d.queue }
func (d *delivery) Attempt() int                       { return attemptOf(d.d) }

func (d *delivery) Ack(context.Context) error {
	return d.d.Ack(false)
}

// Nack with requeue=false dead-letters through the DLX into failed.queue.
func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.d.Nack(false, requeue)
}
