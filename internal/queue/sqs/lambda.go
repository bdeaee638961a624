package sqs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"notifypipe/internal/queue"
	"notifypipe/internal/types"
	"notifypipe/internal/worker"
)

// Handler processes one delivery. *worker.Worker satisfies it.
type Handler interface {
	Handle(ctx context.Context, d queue.Delivery) worker.Disposition
}

// LambdaHandler adapts an SQS event source mapping onto a Handler. Lambda
// deletes every record not listed in BatchItemFailures, so Ack is a no-op
// and Nack with requeue reports the record as failed.
type LambdaHandler struct {
	handler   Handler
	publisher queue.Publisher
	queueName string
	logger    types.Logger
}

// NewLambdaHandler creates a LambdaHandler. publisher receives copies of
// messages nacked without requeue.
func NewLambdaHandler(h Handler, publisher queue.Publisher, queueName string, logger types.Logger) *LambdaHandler {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &LambdaHandler{
		handler:   h,
		publisher: publisher,
		queueName: queueName,
		logger:    logger.With("queue", queueName),
	}
}

// Handle processes a batch and reports partial failures.
func (l *LambdaHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range event.Records {
		req, err := queue.Decode([]byte(record.Body))
		if err != nil {
			// Left to the queue's redrive policy.
			l.logger.Error("undecodable message", "message_id", record.MessageId, "error", err)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
			continue
		}

		d := &lambdaDelivery{
			req:       req,
			queue:     l.queueName,
			attempt:   receiveCount(record.Attributes),
			publisher: l.publisher,
		}
		if sent, ok := record.Attributes["SentTimestamp"]; ok {
			if ts, err := parseMillisTimestamp(sent); err == nil {
				l.logger.Info("processing message", "message_id", record.MessageId, "request_id", req.RequestID, "queue_lag", time.Since(ts))
			}
		}

		disp := l.handler.Handle(ctx, d)
		if d.requeued() {
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
		l.logger.Info("message handled", "message_id", record.MessageId, "disposition", disp)
	}

	return response, nil
}

type lambdaDelivery struct {
	req       types.NotificationRequest
	queue     string
	attempt   int
	publisher queue.Publisher

	mu      sync.Mutex
	settled bool
	requeue bool
}

func (d *lambdaDelivery) Message() types.NotificationRequest { return d.req }
func (d *lambdaDelivery) Queue() string                      { return d.queue }
func (d *lambdaDelivery) Attempt() int                       { return d.attempt }

func (d *lambdaDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	return nil
}

func (d *lambdaDelivery) Nack(ctx context.Context, requeue bool) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return ErrSettled
	}
	d.settled = true
	d.requeue = requeue
	d.mu.Unlock()

	if requeue {
		return nil
	}
	return d.publisher.Publish(ctx, queue.FailedQueue, d.req)
}

// requeued also covers a delivery the handler never settled.
func (d *lambdaDelivery) requeued() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requeue || !d.settled
}

// parseMillisTimestamp parses an SQS SentTimestamp (epoch milliseconds).
func parseMillisTimestamp(ms string) (time.Time, error) {
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n).UTC(), nil
}
