// Package sqs implements queue.Broker on Amazon SQS. Each logical queue name
// maps to a queue URL; delays use DelaySeconds and dead-lettering is a copy
// to the failed queue followed by a delete.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

// MaxDelay is the longest DelaySeconds SQS accepts.
const MaxDelay = 900 * time.Second

const (
	attrCorrelationID = "correlation_id"
	attrPriority      = "priority"
	attrRetryCount    = "retry_count"
)

// Client abstracts the SQS operations used by the broker. Production code
// passes *sqs.Client.
type Client interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// QueueURLs maps the logical queues onto SQS URLs.
type QueueURLs struct {
	Push   string
	Email  string
	Failed string
}

func (u QueueURLs) lookup(name string) (string, error) {
	var url string
	switch name {
	case queue.PushQueue:
		url = u.Push
	case queue.EmailQueue:
		url = u.Email
	case queue.FailedQueue:
		url = u.Failed
	}
	if url == "" {
		return "", fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}
	return url, nil
}

// Option tunes a Broker.
type Option func(*Broker)

// WithWaitTime sets the long-poll wait (max 20s).
func WithWaitTime(d time.Duration) Option {
	return func(b *Broker) { b.waitTime = int32(d / time.Second) }
}

// WithBatchSize sets MaxNumberOfMessages per receive (1-10).
func WithBatchSize(n int) Option {
	return func(b *Broker) { b.batchSize = int32(n) }
}

// WithErrorBackoff sets the pause bounds after a failed receive.
func WithErrorBackoff(floor, ceiling time.Duration) Option {
	return func(b *Broker) { b.minWait, b.maxWait = floor, ceiling }
}

// Broker implements queue.Broker.
type Broker struct {
	client    Client
	urls      QueueURLs
	logger    types.Logger
	waitTime  int32
	batchSize int32
	minWait   time.Duration
	maxWait   time.Duration

	mu     sync.Mutex
	closed bool
}

var _ queue.Broker = (*Broker)(nil)

// New creates a Broker.
func New(client Client, urls QueueURLs, logger types.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = types.NopLogger{}
	}
	b := &Broker{
		client:    client,
		urls:      urls,
		logger:    logger.With("component", "sqs"),
		waitTime:  20,
		batchSize: 10,
		minWait:   500 * time.Millisecond,
		maxWait:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.batchSize < 1 || b.batchSize > 10 {
		b.batchSize = 10
	}
	if b.waitTime < 0 || b.waitTime > 20 {
		b.waitTime = 20
	}
	return b
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends req to queueName.
func (b *Broker) Publish(ctx context.Context, queueName string, req types.NotificationRequest) error {
	return b.PublishDelayed(ctx, queueName, req, 0)
}

// PublishDelayed sends req with DelaySeconds. Delays above MaxDelay are
// clamped; sub-second delays round up to one second.
func (b *Broker) PublishDelayed(ctx context.Context, queueName string, req types.NotificationRequest, delay time.Duration) error {
	if b.isClosed() {
		return queue.ErrClosed
	}
	url, err := b.urls.lookup(queueName)
	if err != nil {
		return err
	}
	body, err := queue.Encode(req)
	if err != nil {
		return err
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      delaySeconds(delay),
		MessageAttributes: messageAttributes(req),
	}
	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs: send to %s: %w", queueName, err)
	}
	return nil
}

func delaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return int32((delay + time.Second - 1) / time.Second)
}

func messageAttributes(req types.NotificationRequest) map[string]sqstypes.MessageAttributeValue {
	attrs := map[string]sqstypes.MessageAttributeValue{
		attrRetryCount: {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(req.RetryCount))},
	}
	if req.CorrelationID != "" {
		attrs[attrCorrelationID] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(req.CorrelationID)}
	}
	if req.Priority != "" {
		attrs[attrPriority] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(string(req.Priority))}
	}
	return attrs
}

// Consume long-polls queueName until ctx is done. Messages received but not
// yet handed out when ctx ends are made visible again.
func (b *Broker) Consume(ctx context.Context, queueName string) (<-chan queue.Delivery, error) {
	if b.isClosed() {
		return nil, queue.ErrClosed
	}
	url, err := b.urls.lookup(queueName)
	if err != nil {
		return nil, err
	}
	out := make(chan queue.Delivery)
	go b.poll(ctx, queueName, url, out)
	return out, nil
}

func (b *Broker) poll(ctx context.Context, queueName, url string, out chan<- queue.Delivery) {
	defer close(out)
	logger := b.logger.With("queue", queueName)
	failures := 0

	for ctx.Err() == nil && !b.isClosed() {
		resp, err := b.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: b.batchSize,
			WaitTimeSeconds:     b.waitTime,
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
				sqstypes.MessageSystemAttributeNameSentTimestamp,
			},
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := queue.Backoff(failures, b.minWait, b.maxWait)
			failures++
			logger.Warn("receive failed; backing off",
				"error_kind", types.KindQueueUnavailable,
				"error", err,
				"wait", wait,
			)
			if queue.Sleep(ctx, wait) != nil {
				return
			}
			continue
		}
		failures = 0

		for i, m := range resp.Messages {
			d, err := b.delivery(queueName, url, m)
			if err != nil {
				logger.Error("undecodable message moved to failed queue", "error", err, "message_id", aws.ToString(m.MessageId))
				b.moveRaw(ctx, url, m)
				continue
			}
			if ctx.Err() != nil {
				b.release(url, resp.Messages[i:])
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				b.release(url, resp.Messages[i:])
				return
			}
		}
	}
}

func (b *Broker) delivery(queueName, url string, m sqstypes.Message) (*delivery, error) {
	req, err := queue.Decode([]byte(aws.ToString(m.Body)))
	if err != nil {
		return nil, err
	}
	return &delivery{
		b:       b,
		url:     url,
		queue:   queueName,
		req:     req,
		handle:  aws.ToString(m.ReceiptHandle),
		attempt: receiveCount(m.Attributes),
	}, nil
}

// release makes messages visible again so another consumer can take them.
func (b *Broker) release(url string, msgs []sqstypes.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, m := range msgs {
		_, err := b.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(url),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: 0,
		})
		if err != nil {
			b.logger.Warn("failed to release message", "error", err, "message_id", aws.ToString(m.MessageId))
		}
	}
}

// moveRaw copies an unparseable body to the failed queue and deletes it.
func (b *Broker) moveRaw(ctx context.Context, url string, m sqstypes.Message) {
	if _, err := b.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(b.urls.Failed),
		MessageBody: m.Body,
	}); err != nil {
		b.logger.Error("failed to move message to failed queue", "error", err)
		return
	}
	_, _ = b.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{QueueUrl: aws.String(url), ReceiptHandle: m.ReceiptHandle})
}

// Ping checks that the failed queue is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if b.isClosed() {
		return queue.ErrClosed
	}
	_, err := b.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.urls.Failed),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("sqs: ping: %w", err)
	}
	return nil
}

// Close stops new publishes and polls. In-flight deliveries may still settle.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ErrSettled is returned when a delivery is acked or nacked twice.
var ErrSettled = errors.New("sqs: delivery already settled")

type delivery struct {
	b       *Broker
	url     string
	queue   string
	req     types.NotificationRequest
	handle  string
	attempt int

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() types.NotificationRequest { return d.req }
func (d *delivery) Queue() string                      { return d.queue }
func (d *delivery) Attempt() int                       { return d.attempt }

func (d *delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	return nil
}

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	_, err := d.b.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.url),
		ReceiptHandle: aws.String(d.handle),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete: %w", err)
	}
	return nil
}

// Nack with requeue resets visibility so the message is redelivered now.
// Without requeue the message is copied to the failed queue and deleted.
func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	if requeue {
		_, err := d.b.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(d.url),
			ReceiptHandle:     aws.String(d.handle),
			VisibilityTimeout: 0,
		})
		if err != nil {
			return fmt.Errorf("sqs: release: %w", err)
		}
		return nil
	}
	if err := d.b.PublishDelayed(ctx, queue.FailedQueue, d.req, 0); err != nil {
		return err
	}
	_, err := d.b.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.url),
		ReceiptHandle: aws.String(d.handle),
	})
	if err != nil {
		return fmt.Errorf("sqs: delete: %w", err)
	}
	return nil
}
