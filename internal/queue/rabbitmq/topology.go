package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

// Delay strategies.
const (
	// DelayPlugin publishes to an x-delayed-message exchange with an x-delay
	// header. Requires the rabbitmq_delayed_message_exchange plugin.
	DelayPlugin = "plugin"
	// DelayTTL parks the message in a per-delay queue whose TTL expiry
	// dead-letters it back onto the work exchange.
	DelayTTL = "ttl"
)

const (
	maxPriority = 10

	// ttlDelayGranularity buckets TTL delays so the number of parking
	// queues stays small.
	ttlDelayGranularity = time.Second

	headerDelay      = "x-delay"
	headerRetryCount = "x-retry-count"
	headerDelivery   = "x-delivery-count"
)

var workQueues = []string{queue.PushQueue, queue.EmailQueue}

// declarer is the subset of *amqp.Channel used to declare topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declareTopology declares the exchanges and queues. Work queues dead-letter
// rejected messages into failed.queue through the DLX.
func declareTopology(ch declarer, delayStrategy string) error {
	if err := ch.ExchangeDeclare(queue.ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", queue.ExchangeName, err)
	}
	if err := ch.ExchangeDeclare(queue.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", queue.DeadLetterExchange, err)
	}
	if delayStrategy == DelayPlugin {
		args := amqp.Table{"x-delayed-type": amqp.ExchangeDirect}
		if err := ch.ExchangeDeclare(queue.DelayedExchangeName, "x-delayed-message", true, false, false, false, args); err != nil {
			return fmt.Errorf("declare exchange %s: %w", queue.DelayedExchangeName, err)
		}
	}

	if _, err := ch.QueueDeclare(queue.FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue.FailedQueue, err)
	}
	for _, ex := range []string{queue.ExchangeName, queue.DeadLetterExchange} {
		if err := ch.QueueBind(queue.FailedQueue, queue.FailedQueue, ex, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue.FailedQueue, ex, err)
		}
	}

	for _, name := range workQueues {
		args := amqp.Table{
			"x-dead-letter-exchange":    queue.DeadLetterExchange,
			"x-dead-letter-routing-key": queue.FailedQueue,
			"x-max-priority":            int32(maxPriority),
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, name, queue.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
		if delayStrategy == DelayPlugin {
			if err := ch.QueueBind(name, name, queue.DelayedExchangeName, false, nil); err != nil {
				return fmt.Errorf("bind %s to delayed exchange: %w", name, err)
			}
		}
	}
	return nil
}

// ttlBucket rounds delay up to the TTL granularity, minimum one bucket.
func ttlBucket(delay time.Duration) time.Duration {
	b := (delay + ttlDelayGranularity - 1) / ttlDelayGranularity * ttlDelayGranularity
	if b < ttlDelayGranularity {
		b = ttlDelayGranularity
	}
	return b
}

// delayQueueName is the parking queue for target at the bucketed delay.
func delayQueueName(target string, bucket time.Duration) string {
	return fmt.Sprintf("notifications.delay.%s.%d", target, bucket.Milliseconds())
}

// declareDelayQueue declares a parking queue that expires itself when idle.
func declareDelayQueue(ch declarer, target string, bucket time.Duration) (string, error) {
	name := delayQueueName(target, bucket)
	ttl := bucket.Milliseconds()
	args := amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    queue.ExchangeName,
		"x-dead-letter-routing-key": target,
		"x-expires":                 ttl*2 + int64(time.Minute/time.Millisecond),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	return name, nil
}

// publishing builds the persistent AMQP message for req.
func publishing(req types.NotificationRequest, body []byte, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     req.RequestID,
		CorrelationId: req.CorrelationID,
		Timestamp:     now,
		Priority:      req.Priority.Level(),
		Headers:       amqp.Table{headerRetryCount: int32(req.RetryCount)},
		Body:          body,
	}
}

// attemptOf reads the broker delivery count. Quorum queues report
// x-delivery-count; classic queues only expose the redelivered flag.
func attemptOf(d amqp.Delivery) int {
	switch n := d.Headers[headerDelivery].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func knownQueue(name string) bool {
	switch name {
	case queue.PushQueue, queue.EmailQueue, queue.FailedQueue:
		return true
	}
	return false
}
