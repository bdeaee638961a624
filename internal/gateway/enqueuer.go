// Package gateway accepts notification requests, validates them, and publishes
// exactly one message per request onto the channel queue. It never touches
// the idempotency store: deduplication happens in the workers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

// Request is the inbound notification request. Push requests may carry the
// recipient as device_token and email requests as recipient_email; the
// generic recipient field is accepted for both.
type Request struct {
	RequestID      string         `json:"request_id,omitempty" validate:"omitempty,max=128,printascii"`
	Channel        string         `json:"channel" validate:"required"`
	Recipient      string         `json:"recipient,omitempty"`
	DeviceToken    string         `json:"device_token,omitempty"`
	RecipientEmail string         `json:"recipient_email,omitempty"`
	TemplateID     string         `json:"template_id" validate:"required,max=128"`
	TemplateData   map[string]any `json:"template_data,omitempty"`
	LanguageCode   string         `json:"language_code,omitempty" validate:"omitempty,max=16"`
	Priority       string         `json:"priority,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty" validate:"omitempty,max=128,printascii"`
}

// Result is returned to the caller once the message is durably queued.
type Result struct {
	RequestID     string        `json:"request_id"`
	CorrelationID string        `json:"correlation_id"`
	Channel       types.Channel `json:"channel"`
	Queue         string        `json:"queue"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
}

// Option configures an Enqueuer.
type Option func(*Enqueuer)

// WithClock overrides the time source.
func WithClock(c types.Clock) Option {
	return func(e *Enqueuer) { e.clock = c }
}

// WithIDGenerator overrides request/correlation id generation.
func WithIDGenerator(f func() string) Option {
	return func(e *Enqueuer) { e.newID = f }
}

// Enqueuer validates requests and publishes them to the dispatch queue.
type Enqueuer struct {
	publisher       queue.Publisher
	validate        *validator.Validate
	defaultLanguage string
	clock           types.Clock
	newID           func() string
	logger          types.Logger
}

// NewEnqueuer creates an Enqueuer publishing through pub.
func NewEnqueuer(pub queue.Publisher, defaultLanguage string, logger types.Logger, opts ...Option) *Enqueuer {
	if logger == nil {
		logger = types.NopLogger{}
	}
	e := &Enqueuer{
		publisher:       pub,
		validate:        validator.New(),
		defaultLanguage: defaultLanguage,
		clock:           types.RealClock{},
		newID:           func() string { return uuid.New().String() },
		logger:          logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue validates req, assigns missing identifiers, and publishes one
// message with retry_count 0. Validation failures publish nothing. A broker
// failure is returned as a retryable unavailable_queue error; nothing is
// buffered.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (Result, error) {
	msg, err := e.build(req)
	if err != nil {
		return Result{}, err
	}

	queueName, err := queue.QueueFor(msg.Channel)
	if err != nil {
		return Result{}, validationError(types.ErrCodeValidationInvalidChannel, err.Error(), "channel")
	}

	if err := e.publisher.Publish(ctx, queueName, msg); err != nil {
		e.logger.Error("enqueue failed",
			"request_id", msg.RequestID,
			"correlation_id", msg.CorrelationID,
			"channel", msg.Channel,
			"error", err,
		)
		return Result{}, types.NewAppError(
			types.ErrCodeUnavailableQueue,
			"dispatch queue unavailable, retry later",
			types.NewPipelineError(types.KindQueueUnavailable, "publish failed", err),
		)
	}

	e.logger.Info("notification enqueued",
		"request_id", msg.RequestID,
		"correlation_id", msg.CorrelationID,
		"channel", msg.Channel,
		"template_id", msg.TemplateID,
		"queue", queueName,
	)

	return Result{
		RequestID:     msg.RequestID,
		CorrelationID: msg.CorrelationID,
		Channel:       msg.Channel,
		Queue:         queueName,
		EnqueuedAt:    msg.EnqueuedAt,
	}, nil
}

// build validates req and converts it into a queue envelope.
func (e *Enqueuer) build(req Request) (types.NotificationRequest, error) {
	if err := e.validate.Struct(req); err != nil {
		return types.NotificationRequest{}, mapValidationErrors(err)
	}

	channel, err := types.ParseChannel(strings.ToLower(req.Channel))
	if err != nil {
		return types.NotificationRequest{}, validationError(types.ErrCodeValidationInvalidChannel,
			fmt.Sprintf("channel must be one of push, email; got %q", req.Channel), "channel")
	}

	recipient, err := e.recipientFor(channel, req)
	if err != nil {
		return types.NotificationRequest{}, err
	}

	priority := types.PriorityNormal
	if req.Priority != "" {
		priority = types.Priority(strings.ToLower(req.Priority))
		if !priority.Valid() {
			return types.NotificationRequest{}, validationError(types.ErrCodeValidationInvalidField,
				fmt.Sprintf("priority must be one of low, normal, high; got %q", req.Priority), "priority")
		}
	}

	lang := req.LanguageCode
	if lang == "" {
		lang = e.defaultLanguage
	}

	msg := types.NotificationRequest{
		RequestID:     req.RequestID,
		Channel:       channel,
		Recipient:     recipient,
		TemplateID:    req.TemplateID,
		TemplateData:  req.TemplateData,
		LanguageCode:  lang,
		Priority:      priority,
		CorrelationID: req.CorrelationID,
		EnqueuedAt:    e.clock.Now(),
		RetryCount:    0,
	}
	if msg.RequestID == "" {
		msg.RequestID = e.newID()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = e.newID()
	}
	if msg.TemplateData == nil {
		msg.TemplateData = map[string]any{}
	}
	return msg, nil
}

func (e *Enqueuer) recipientFor(channel types.Channel, req Request) (string, error) {
	switch channel {
	case types.ChannelPush:
		token := firstNonEmpty(req.DeviceToken, req.Recipient)
		if token == "" {
			return "", validationError(types.ErrCodeValidationMissingField,
				"device_token is required for push notifications", "device_token")
		}
		return token, nil
	case types.ChannelEmail:
		addr := firstNonEmpty(req.RecipientEmail, req.Recipient)
		if addr == "" {
			return "", validationError(types.ErrCodeValidationMissingField,
				"recipient_email is required for email notifications", "recipient_email")
		}
		if err := e.validate.Var(addr, "email"); err != nil {
			return "", validationError(types.ErrCodeValidationInvalidEmail,
				"recipient_email is not a valid email address", "recipient_email")
		}
		return addr, nil
	}
	return "", validationError(types.ErrCodeValidationInvalidChannel, "unsupported channel", "channel")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func validationError(code types.ErrorCode, message, field string) *types.AppError {
	return types.NewAppErrorWithDetails(code, message,
		types.NewPipelineError(types.KindValidation, message, nil),
		map[string]any{"field": field},
	)
}

// mapValidationErrors converts the first validator failure into an AppError.
func mapValidationErrors(err error) *types.AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return validationError(types.ErrCodeValidationInvalidBody, "invalid request", "")
	}

	fe := verrs[0]
	field := jsonFieldName(fe.StructField())
	switch fe.Tag() {
	case "required":
		return validationError(types.ErrCodeValidationMissingField, fmt.Sprintf("%s is required", field), field)
	case "max":
		return validationError(types.ErrCodeValidationInvalidField, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()), field)
	default:
		return validationError(types.ErrCodeValidationInvalidField, fmt.Sprintf("%s is invalid", field), field)
	}
}

var jsonNames = map[string]string{
	"RequestID":     "request_id",
	"Channel":       "channel",
	"TemplateID":    "template_id",
	"LanguageCode":  "language_code",
	"CorrelationID": "correlation_id",
}

func jsonFieldName(structField string) string {
	if n, ok := jsonNames[structField]; ok {
		return n
	}
	return strings.ToLower(structField)
}

// FromNotification rebuilds a Request from a stored envelope, used when an
// operator replays a dead-lettered message.
func FromNotification(n types.NotificationRequest) Request {
	req := Request{
		RequestID:     n.RequestID,
		Channel:       string(n.Channel),
		Recipient:     n.Recipient,
		TemplateID:    n.TemplateID,
		TemplateData:  n.TemplateData,
		LanguageCode:  n.LanguageCode,
		Priority:      string(n.Priority),
		CorrelationID: n.CorrelationID,
	}
	return req
}
