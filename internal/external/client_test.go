package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"notifypipe/internal/types"
)

func newTestBase(threshold uint32) *BaseClient {
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		BreakerSettings{ConsecutiveFailures: threshold, Interval: time.Minute, Timeout: time.Minute},
		"notifypipe-test/1.0",
	)
}

func doGet(t *testing.T, c *BaseClient, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return c.Do(req)
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := doGet(t, newTestBase(5), context.Background(), server.URL)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestDo_InjectsHeaders(t *testing.T) {
	var gotCorrelation, gotRequest, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotRequest = r.Header.Get("X-Request-ID")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := types.WithCorrelationID(types.WithRequestID(context.Background(), "r1"), "c1")
	resp, err := doGet(t, newTestBase(5), ctx, server.URL)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotCorrelation != "c1" {
		t.Errorf("expected X-Correlation-ID c1, got %q", gotCorrelation)
	}
	if gotRequest != "r1" {
		t.Errorf("expected X-Request-ID r1, got %q", gotRequest)
	}
	if gotUA != "notifypipe-test/1.0" {
		t.Errorf("unexpected User-Agent %q", gotUA)
	}
}

func TestDo_ReturnsRetryableStatusesWithoutRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp, err := doGet(t, newTestBase(5), context.Background(), server.URL)
	if err != nil {
		t.Fatalf("expected response, got error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly one call, got %d", n)
	}
}

func TestDo_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestBase(3)
	for i := 0; i < 3; i++ {
		resp, err := doGet(t, c, context.Background(), server.URL)
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		resp.Body.Close()
	}
	if c.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", c.State())
	}

	_, err := doGet(t, c, context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected error from open breaker")
	}
	if got := types.KindOf(err, ""); got != types.KindSendTransient {
		t.Errorf("expected SEND_TRANSIENT, got %s", got)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState in chain, got %v", err)
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected upstream_unavailable AppError, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("open breaker must not call through; calls=%d", n)
	}
}

func TestDo_4xxDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestBase(2)
	for i := 0; i < 5; i++ {
		resp, err := doGet(t, c, context.Background(), server.URL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
	}
	if c.State() != gobreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", c.State())
	}
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := doGet(t, newTestBase(5), context.Background(), url)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := types.KindOf(err, ""); got != types.KindSendTransient {
		t.Errorf("expected SEND_TRANSIENT, got %s", got)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewBaseClient(nil, "ra", DefaultBreakerSettings(), "", WithNowFunc(func() time.Time { return now }))

	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set("Retry-After", tt.header)
		}
		if got := c.RetryAfter(resp); got != tt.want {
			t.Errorf("Retry-After %q: expected %v, got %v", tt.header, tt.want, got)
		}
	}
}
