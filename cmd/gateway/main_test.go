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

	"golang.org/x/crypto/bcrypt"

	"notifypipe/internal/config"
	"notifypipe/internal/core"
	"notifypipe/internal/metrics"
	"notifypipe/internal/platform"
	"notifypipe/internal/queue"
	"notifypipe/internal/queue/memory"
	"notifypipe/internal/types"
)

const testOperatorKey = "op-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testOperatorKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{Port: "0", RequestTimeout: 5 * time.Second, ShutdownTimeout: time.Second},
		Broker:      config.BrokerConfig{Kind: "memory"},
		Idempotency: config.IdempotencyConfig{Backend: "memory", TTL: time.Hour},
		DeadLetter:  config.DeadLetterConfig{Backend: "memory"},
		Pipeline:    config.PipelineConfig{DefaultLanguage: "en", Channels: []string{"push", "email"}},
		Security:    config.SecurityConfig{OperatorKeyHash: types.SecretString(hash)},
	}
}

func buildTestServer(t *testing.T) (*core.Server, *platform.Backends) {
	t.Helper()
	cfg := testConfig(t)
	b, err := platform.Open(context.Background(), cfg, types.NopLogger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(b.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prom := metrics.NewPrometheus("notifypipe_test")
	srv, err := buildServer(cfg, logger, b, prom, prom.Handler())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	return srv, b
}

func TestGateway_AcceptsNotification(t *testing.T) {
	srv, b := buildTestServer(t)

	body := `{"request_id":"r1","channel":"email","recipient_email":"john@example.com","template_id":"welcome_email","template_data":{"name":"John"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(body))
	req.Header.Set("X-Correlation-Id", "order-7")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/notifications: got %d; body: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		RequestID     string `json:"request_id"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RequestID != "r1" || res.CorrelationID != "order-7" {
		t.Errorf("unexpected result %+v", res)
	}

	published := b.Broker.(*memory.Broker).PublishedTo(queue.EmailQueue)
	if len(published) != 1 || published[0].Request.RetryCount != 0 {
		t.Errorf("expected one message with retry_count 0, got %+v", published)
	}
}

func TestGateway_OperatorRoutesRequireKey(t *testing.T) {
	srv, _ := buildTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/dlq", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: got %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/dlq", nil)
	req.Header.Set("X-Operator-Key", testOperatorKey)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: got %d, want 200; body: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/dlq/missing/replay", bytes.NewReader(nil))
	req.Header.Set("X-Operator-Key", testOperatorKey)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("replay of unknown entry: got %d, want 404", rec.Code)
	}
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	srv, _ := buildTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health: got %d; body: %s", rec.Code, rec.Body.String())
	}
	for _, probe := range []string{"broker", "idempotency", "dead_letters"} {
		if !strings.Contains(rec.Body.String(), probe) {
			t.Errorf("health body missing probe %q: %s", probe, rec.Body.String())
		}
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_request_duration_seconds") {
		t.Errorf("metrics output missing request histogram")
	}
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	if newLogger("debug").Enabled(ctx, slog.LevelDebug) != true {
		t.Error("debug level should enable debug")
	}
	if newLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Error("warn level should disable info")
	}
	if !newLogger("bogus").Enabled(ctx, slog.LevelInfo) {
		t.Error("unknown level should default to info")
	}
}
