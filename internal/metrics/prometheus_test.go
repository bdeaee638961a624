package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"notifypipe/internal/types"
)

func TestPrometheus_RecordDelivery(t *testing.T) {
	p := NewPrometheus("notifypipe")
	ctx := context.Background()

	p.RecordDelivery(ctx, types.ChannelEmail, "delivered")
	p.RecordDelivery(ctx, types.ChannelEmail, "delivered")
	p.RecordDelivery(ctx, types.ChannelPush, "dead_lettered")

	if got := testutil.ToFloat64(p.deliveries.WithLabelValues("email", "delivered")); got != 2 {
		t.Errorf("expected 2 email deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(p.deliveries.WithLabelValues("push", "dead_lettered")); got != 1 {
		t.Errorf("expected 1 push dead letter, got %v", got)
	}
}

func TestPrometheus_HistogramsObserve(t *testing.T) {
	p := NewPrometheus("notifypipe")
	ctx := context.Background()

	p.RecordLatency(ctx, types.ChannelEmail, "render", 120*time.Millisecond)
	p.RecordLatency(ctx, types.ChannelEmail, "send", 300*time.Millisecond)
	p.RecordQueueLag(ctx, types.ChannelEmail, 2*time.Second)

	if n := testutil.CollectAndCount(p.stages); n != 2 {
		t.Errorf("expected 2 stage series, got %d", n)
	}
	if n := testutil.CollectAndCount(p.queueLag); n != 1 {
		t.Errorf("expected 1 queue lag series, got %d", n)
	}
}

func TestPrometheus_HandlerExposesMetrics(t *testing.T) {
	p := NewPrometheus("notifypipe")
	p.RecordDelivery(context.Background(), types.ChannelEmail, "delivered")
	p.RecordEnqueue(types.ChannelEmail, "accepted")
	p.RecordRequest("POST", "/v1/notifications", "202", 5*time.Millisecond)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`notifypipe_deliveries_total{channel="email",result="delivered"} 1`,
		`notifypipe_enqueued_total{channel="email",result="accepted"} 1`,
		`notifypipe_http_request_duration_seconds_count{method="POST",route="/v1/notifications",status="202"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestPrometheus_InstancesAreIsolated(t *testing.T) {
	a := NewPrometheus("notifypipe")
	b := NewPrometheus("notifypipe")
	a.RecordDelivery(context.Background(), types.ChannelEmail, "delivered")

	if got := testutil.ToFloat64(b.deliveries.WithLabelValues("email", "delivered")); got != 0 {
		t.Errorf("expected separate registries, got %v", got)
	}
}
