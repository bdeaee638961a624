package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifypipe/internal/queue"
	"notifypipe/internal/queue/memory"
	"notifypipe/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, string, types.NotificationRequest) error {
	return p.err
}

func (p failingPublisher) PublishDelayed(context.Context, string, types.NotificationRequest, time.Duration) error {
	return p.err
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnqueuer(pub queue.Publisher) *Enqueuer {
	n := 0
	return NewEnqueuer(pub, "en", types.NopLogger{},
		WithClock(fixedClock{testNow}),
		WithIDGenerator(func() string {
			n++
			return []string{"gen-1", "gen-2", "gen-3", "gen-4"}[n-1]
		}),
	)
}

func TestEnqueue_EmailWithCallerIDs(t *testing.T) {
	b := memory.New()
	e := newTestEnqueuer(b)

	res, err := e.Enqueue(context.Background(), Request{
		RequestID:      "r1",
		Channel:        "email",
		RecipientEmail: "a@b.com",
		TemplateID:     "welcome_email",
		TemplateData:   map[string]any{"name": "John"},
		CorrelationID:  "c1",
	})
	require.NoError(t, err)

	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, "c1", res.CorrelationID)
	assert.Equal(t, queue.EmailQueue, res.Queue)
	assert.Equal(t, testNow, res.EnqueuedAt)

	published := b.PublishedTo(queue.EmailQueue)
	require.Len(t, published, 1)
	msg := published[0].Request
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, "a@b.com", msg.Recipient)
	assert.Equal(t, "en", msg.LanguageCode, "default language applied")
	assert.Equal(t, types.PriorityNormal, msg.Priority)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, "John", msg.TemplateData["name"])
	assert.Empty(t, b.PublishedTo(queue.PushQueue))
}

func TestEnqueue_GeneratesIdentifiers(t *testing.T) {
	b := memory.New()
	e := newTestEnqueuer(b)

	res, err := e.Enqueue(context.Background(), Request{
		Channel:     "push",
		DeviceToken: "tok-123",
		TemplateID:  "order_shipped",
		Priority:    "HIGH",
	})
	require.NoError(t, err)

	assert.Equal(t, "gen-1", res.RequestID)
	assert.Equal(t, "gen-2", res.CorrelationID)
	assert.Equal(t, queue.PushQueue, res.Queue)

	msg := b.PublishedTo(queue.PushQueue)[0].Request
	assert.Equal(t, "tok-123", msg.Recipient)
	assert.Equal(t, types.PriorityHigh, msg.Priority)
	assert.NotNil(t, msg.TemplateData)
}

func TestEnqueue_ValidationFailuresPublishNothing(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		code  types.ErrorCode
		field string
	}{
		{
			name:  "missing channel",
			req:   Request{TemplateID: "t", Recipient: "a@b.com"},
			code:  types.ErrCodeValidationMissingField,
			field: "channel",
		},
		{
			name:  "unknown channel",
			req:   Request{Channel: "sms", TemplateID: "t", Recipient: "+15550100"},
			code:  types.ErrCodeValidationInvalidChannel,
			field: "channel",
		},
		{
			name:  "missing template",
			req:   Request{Channel: "email", RecipientEmail: "a@b.com"},
			code:  types.ErrCodeValidationMissingField,
			field: "template_id",
		},
		{
			name:  "email without recipient",
			req:   Request{Channel: "email", TemplateID: "t", DeviceToken: "tok"},
			code:  types.ErrCodeValidationMissingField,
			field: "recipient_email",
		},
		{
			name:  "malformed email",
			req:   Request{Channel: "email", TemplateID: "t", RecipientEmail: "not-an-email"},
			code:  types.ErrCodeValidationInvalidEmail,
			field: "recipient_email",
		},
		{
			name:  "push without token",
			req:   Request{Channel: "push", TemplateID: "t"},
			code:  types.ErrCodeValidationMissingField,
			field: "device_token",
		},
		{
			name:  "bad priority",
			req:   Request{Channel: "push", TemplateID: "t", DeviceToken: "tok", Priority: "urgent"},
			code:  types.ErrCodeValidationInvalidField,
			field: "priority",
		},
		{
			name:  "oversized request id",
			req:   Request{RequestID: strings.Repeat("x", 129), Channel: "push", TemplateID: "t", DeviceToken: "tok"},
			code:  types.ErrCodeValidationInvalidField,
			field: "request_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			e := newTestEnqueuer(b)

			_, err := e.Enqueue(context.Background(), tt.req)
			require.Error(t, err)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.field, appErr.Details["field"])
			assert.Equal(t, types.KindValidation, types.KindOf(err, ""))
			assert.Empty(t, b.Published())
		})
	}
}

func TestEnqueue_BrokerUnavailable(t *testing.T) {
	e := newTestEnqueuer(failingPublisher{err: errors.New("connection refused")})

	_, err := e.Enqueue(context.Background(), Request{Channel: "push", TemplateID: "t", DeviceToken: "tok"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUnavailableQueue, appErr.Code)
	assert.Equal(t, 503, appErr.HTTPStatus())
	assert.Equal(t, types.KindQueueUnavailable, types.KindOf(err, ""))
}

func TestFromNotificationRoundTrip(t *testing.T) {
	orig := types.NotificationRequest{
		RequestID:     "r1",
		Channel:       types.ChannelEmail,
		Recipient:     "a@b.com",
		TemplateID:    "welcome_email",
		LanguageCode:  "fr",
		Priority:      types.PriorityLow,
		CorrelationID: "c1",
	}

	b := memory.New()
	_, err := newTestEnqueuer(b).Enqueue(context.Background(), FromNotification(orig))
	require.NoError(t, err)

	msg := b.PublishedTo(queue.EmailQueue)[0].Request
	assert.Equal(t, orig.RequestID, msg.RequestID)
	assert.Equal(t, orig.Recipient, msg.Recipient)
	assert.Equal(t, "fr", msg.LanguageCode)
	assert.Equal(t, types.PriorityLow, msg.Priority)
}
