package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifypipe/internal/config"
	"notifypipe/internal/platform"
	"notifypipe/internal/queue"
	"notifypipe/internal/types"
)

func lambdaConfig(renderURL string, channels ...string) *config.Config {
	return &config.Config{
		Environment: "local",
		Broker:      config.BrokerConfig{Kind: "memory", PublishTimeout: time.Second},
		Idempotency: config.IdempotencyConfig{Backend: "memory", TTL: time.Hour, StaleAfter: time.Minute, ReapInterval: time.Minute},
		DeadLetter:  config.DeadLetterConfig{Backend: "memory"},
		Pipeline: config.PipelineConfig{
			MaxRetries:     3,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  time.Millisecond,
			RenderTimeout:  time.Second,
			SendTimeout:    time.Second,
			Concurrency:    1,
			Channels:       channels,
		},
		Render:   config.RenderConfig{BaseURL: renderURL, FailureThreshold: 5, Cooldown: time.Second},
		Provider: config.ProviderConfig{Kind: "stub"},
	}
}

func openBackends(t *testing.T, cfg *config.Config) *platform.Backends {
	t.Helper()
	b, err := platform.Open(context.Background(), cfg, types.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func sqsRecord(t *testing.T, id string, req types.NotificationRequest) events.SQSMessage {
	t.Helper()
	body, err := queue.Encode(req)
	require.NoError(t, err)
	return events.SQSMessage{
		MessageId:  id,
		Body:       string(body),
		Attributes: map[string]string{"ApproximateReceiveCount": "1"},
	}
}

func TestNewHandler_RequiresSingleChannel(t *testing.T) {
	cfg := lambdaConfig("http://unused", "push", "email")
	_, err := newHandler(cfg, openBackends(t, cfg), nil, types.NopLogger{})
	assert.ErrorContains(t, err, "exactly one channel")
}

func TestHandler_DeliversBatch(t *testing.T) {
	renderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"subject": "Welcome", "body": "Hello"},
		})
	}))
	defer renderSrv.Close()

	cfg := lambdaConfig(renderSrv.URL, "email")
	b := openBackends(t, cfg)
	h, err := newHandler(cfg, b, nil, types.NopLogger{})
	require.NoError(t, err)

	req := types.NotificationRequest{
		RequestID:     "r1",
		Channel:       types.ChannelEmail,
		Recipient:     "john@example.com",
		TemplateID:    "welcome_email",
		TemplateData:  map[string]any{"name": "John"},
		LanguageCode:  "en",
		Priority:      types.PriorityNormal,
		CorrelationID: "c1",
		EnqueuedAt:    time.Now().UTC(),
	}
	event := events.SQSEvent{Records: []events.SQSMessage{
		sqsRecord(t, "m1", req),
		sqsRecord(t, "m2", req),
	}}

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures, "the duplicate is acked, not retried")

	rec, err := b.Idempotency.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.IdempotencyDelivered, rec.Status)
}

func TestMaybeReap_Throttled(t *testing.T) {
	cfg := lambdaConfig("http://unused", "push")
	h, err := newHandler(cfg, openBackends(t, cfg), nil, types.NopLogger{})
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.maybeReap(context.Background())
	first := h.lastReap
	assert.Equal(t, now, first)

	now = now.Add(30 * time.Second)
	h.maybeReap(context.Background())
	assert.Equal(t, first, h.lastReap, "second sweep within the interval is skipped")

	now = now.Add(time.Minute)
	h.maybeReap(context.Background())
	assert.Equal(t, now, h.lastReap)
}

func TestRunLocal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := runLocal(context.Background(), strings.NewReader(""), io.Discard, nil, logger)
	assert.ErrorContains(t, err, "no input")

	err = runLocal(context.Background(), strings.NewReader("{"), io.Discard, nil, logger)
	assert.ErrorContains(t, err, "parse stdin")

	var out bytes.Buffer
	handle := func(_ context.Context, e events.SQSEvent) (events.SQSEventResponse, error) {
		return events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{
			{ItemIdentifier: e.Records[0].MessageId},
		}}, nil
	}
	err = runLocal(context.Background(), strings.NewReader(`{"Records":[{"messageId":"m9","body":"{}"}]}`), &out, handle, logger)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "m9")
}
