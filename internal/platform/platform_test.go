package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifypipe/internal/config"
	"notifypipe/internal/gateway"
	"notifypipe/internal/types"
)

func memoryConfig(renderURL string) *config.Config {
	return &config.Config{
		Broker:      config.BrokerConfig{Kind: "memory", PublishTimeout: time.Second},
		Idempotency: config.IdempotencyConfig{Backend: "memory", TTL: time.Hour, StaleAfter: time.Minute, ReapInterval: time.Minute},
		DeadLetter:  config.DeadLetterConfig{Backend: "memory"},
		Pipeline: config.PipelineConfig{
			MaxRetries:      2,
			RetryBaseDelay:  time.Millisecond,
			RetryMaxDelay:   10 * time.Millisecond,
			RenderTimeout:   time.Second,
			SendTimeout:     time.Second,
			ContentionDelay: time.Millisecond,
			Concurrency:     2,
			ShutdownGrace:   time.Second,
			DefaultLanguage: "en",
			Channels:        []string{"email", "push"},
		},
		Render:        config.RenderConfig{BaseURL: renderURL, FailureThreshold: 5, Cooldown: time.Second, Window: time.Minute},
		Provider:      config.ProviderConfig{Kind: "stub"},
		Observability: config.ObservabilityConfig{MetricsBackend: "none"},
	}
}

func TestOpen_MemoryBackends(t *testing.T) {
	b, err := Open(context.Background(), memoryConfig("http://unused"), types.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.Broker)
	require.NotNil(t, b.Idempotency)
	require.NotNil(t, b.DeadLetters)

	probes := b.Probes()
	require.Len(t, probes, 3)
	for _, p := range probes {
		assert.NoError(t, p.Check(context.Background()), p.Name())
	}
}

func TestOpen_RejectsUnknownBackends(t *testing.T) {
	cfg := memoryConfig("http://unused")
	cfg.Broker.Kind = "kafka"
	_, err := Open(context.Background(), cfg, types.NopLogger{})
	assert.ErrorContains(t, err, "unknown broker kind")

	cfg = memoryConfig("http://unused")
	cfg.DeadLetter.Backend = "s3"
	_, err = Open(context.Background(), cfg, types.NopLogger{})
	assert.ErrorContains(t, err, "unknown dead letter backend")
}

func TestCloseIsIdempotent(t *testing.T) {
	b, err := Open(context.Background(), memoryConfig("http://unused"), types.NopLogger{})
	require.NoError(t, err)
	b.Close()
	b.Close()
}

func TestNewMetrics_None(t *testing.T) {
	rec, handler, err := NewMetrics(context.Background(), memoryConfig(""), types.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.Nil(t, handler)
}

func TestNewPipeline_RequiresChannels(t *testing.T) {
	cfg := memoryConfig("http://unused")
	cfg.Pipeline.Channels = nil
	b, err := Open(context.Background(), cfg, types.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	_, err = NewPipeline(cfg, b, nil, types.NopLogger{})
	assert.Error(t, err)
}

func TestPipeline_DeliversEnqueuedNotification(t *testing.T) {
	renderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"subject": "Welcome, John", "body": "Hello John"},
		})
	}))
	defer renderSrv.Close()

	cfg := memoryConfig(renderSrv.URL)
	b, err := Open(context.Background(), cfg, types.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	p, err := NewPipeline(cfg, b, nil, types.NopLogger{})
	require.NoError(t, err)
	require.Len(t, p.Workers, 2)
	require.NotNil(t, p.Reaper)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	enq := gateway.NewEnqueuer(b.Broker, cfg.Pipeline.DefaultLanguage, nil)
	_, err = enq.Enqueue(context.Background(), gateway.Request{
		RequestID:      "r1",
		Channel:        "email",
		RecipientEmail: "john@example.com",
		TemplateID:     "welcome_email",
		TemplateData:   map[string]any{"name": "John"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := b.Idempotency.Get(context.Background(), "r1")
		return err == nil && rec.Status == types.IdempotencyDelivered
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := b.Idempotency.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, rec.ResultSnapshot)
	assert.Equal(t, "stub_r1", rec.ResultSnapshot.ProviderMessageID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
