package types

import (
	"fmt"
	"time"
)

// Channel identifies the delivery channel of a notification.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelPush, ChannelEmail}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelPush || c == ChannelEmail
}

// ParseChannel converts a raw string into a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Priority is an ordering hint only. It never changes retry or dedup behavior.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Level maps the priority onto the 0-9 scale used by broker message priority.
func (p Priority) Level() uint8 {
	switch p {
	case PriorityHigh:
		return 9
	case PriorityLow:
		return 0
	default:
		return 5
	}
}

// HistoryLimit bounds the number of attempt outcomes carried in an envelope.
const HistoryLimit = 10

// NotificationRequest is the queue envelope. It is immutable once enqueued;
// RetryCount and History only change on a re-published copy.
// JSON tags use snake_case to match the wire format of the producing services.
type NotificationRequest struct {
	RequestID     string            `json:"request_id"`
	Channel       Channel           `json:"channel"`
	Recipient     string            `json:"recipient"`
	TemplateID    string            `json:"template_id"`
	TemplateData  map[string]any    `json:"template_data"`
	LanguageCode  string            `json:"language_code"`
	Priority      Priority          `json:"priority"`
	CorrelationID string            `json:"correlation_id"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	RetryCount    int               `json:"retry_count"`
	History       []DeliveryOutcome `json:"history,omitempty"`
}

// NextAttempt returns a copy for re-publication with the given retry count and
// the outcome appended to the bounded history. The receiver is not modified.
func (r NotificationRequest) NextAttempt(retryCount int, outcome DeliveryOutcome) NotificationRequest {
	next := r
	next.RetryCount = retryCount
	next.History = appendHistory(r.History, outcome)
	return next
}

// WithOutcome returns a copy with the outcome appended to the history.
func (r NotificationRequest) WithOutcome(outcome DeliveryOutcome) NotificationRequest {
	next := r
	next.History = appendHistory(r.History, outcome)
	return next
}

func appendHistory(history []DeliveryOutcome, outcome DeliveryOutcome) []DeliveryOutcome {
	out := make([]DeliveryOutcome, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, outcome)
	if len(out) > HistoryLimit {
		out = out[len(out)-HistoryLimit:]
	}
	return out
}

// OutcomeStatus is the result of a single delivery attempt.
type OutcomeStatus string

const (
	OutcomeDelivered        OutcomeStatus = "delivered"
	OutcomeTransientFailure OutcomeStatus = "transient_failure"
	OutcomePermanentFailure OutcomeStatus = "permanent_failure"
)

// DeliveryOutcome records one attempt. AttemptNumber is 1-based.
type DeliveryOutcome struct {
	Status            OutcomeStatus `json:"status"`
	ErrorKind         ErrorKind     `json:"error_kind,omitempty"`
	Message           string        `json:"message,omitempty"`
	AttemptNumber     int           `json:"attempt_number"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// IdempotencyStatus is the lifecycle state of a request_id.
type IdempotencyStatus string

const (
	IdempotencyInProgress        IdempotencyStatus = "in_progress"
	IdempotencyDelivered         IdempotencyStatus = "delivered"
	IdempotencyPermanentlyFailed IdempotencyStatus = "permanently_failed"
)

// Terminal reports whether the status is final.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyDelivered || s == IdempotencyPermanentlyFailed
}

// IdempotencyRecord tracks the processing state of one request_id.
type IdempotencyRecord struct {
	RequestID      string            `json:"request_id"`
	Status         IdempotencyStatus `json:"status"`
	Owner          string            `json:"owner,omitempty"`
	ResultSnapshot *DeliveryOutcome  `json:"result_snapshot,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// DeadLetterEntry is written once when a request is abandoned. Only an
// operator replay mutates it afterwards.
type DeadLetterEntry struct {
	RequestID    string              `json:"request_id"`
	Channel      Channel             `json:"channel"`
	Request      NotificationRequest `json:"request"`
	History      []DeliveryOutcome   `json:"history"`
	Attempts     int                 `json:"attempts"`
	LastError    ErrorKind           `json:"last_error_kind"`
	MovedToDLQAt time.Time           `json:"moved_to_dlq_at"`
	ReplayedAt   *time.Time          `json:"replayed_at,omitempty"`
	ReplayedAs   string              `json:"replayed_as,omitempty"`
}

// Replayed reports whether an operator has already replayed the entry.
func (e *DeadLetterEntry) Replayed() bool {
	return e.ReplayedAt != nil
}
