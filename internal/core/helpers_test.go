package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"notifypipe/internal/config"
)

// syncBuffer lets the logger and the test read/write concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Server: config.ServerConfig{
			Port:           "8080",
			RequestTimeout: 5 * time.Second,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *syncBuffer) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	buf := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv, err := NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, buf
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not an error envelope: %v (%s)", err, rec.Body.String())
	}
	return resp.Error
}

type recordedRequest struct {
	method, route, status string
}

type fakeCollector struct {
	mu    sync.Mutex
	calls []recordedRequest
}

func (f *fakeCollector) RecordRequest(method, route, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedRequest{method, route, status})
}
