// Package metrics implements the worker Metrics surface for Prometheus and
// CloudWatch.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifypipe/internal/types"
	"notifypipe/internal/worker"
)

var _ worker.Metrics = (*Prometheus)(nil)

// Prometheus records pipeline metrics on its own registry so that several
// instances (tests, multiple processes in one binary) never collide.
type Prometheus struct {
	registry   *prometheus.Registry
	deliveries *prometheus.CounterVec
	stages     *prometheus.HistogramVec
	queueLag   *prometheus.HistogramVec
	enqueued   *prometheus.CounterVec
	requests   *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them together with the
// Go runtime and process collectors.
func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Messages handled by the channel workers, by final disposition.",
			},
			[]string{"channel", "result"},
		),
		stages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of the render and send stages.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel", "stage"},
		),
		queueLag: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_lag_seconds",
				Help:      "Time between enqueue and the start of processing.",
				Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"channel"},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueued_total",
				Help:      "Notification requests accepted or rejected by the gateway.",
			},
			[]string{"channel", "result"},
		),
		requests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route and status.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	p.registry.MustRegister(
		p.deliveries, p.stages, p.queueLag, p.enqueued, p.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) RecordDelivery(_ context.Context, channel types.Channel, result string) {
	p.deliveries.WithLabelValues(string(channel), result).Inc()
}

func (p *Prometheus) RecordLatency(_ context.Context, channel types.Channel, stage string, d time.Duration) {
	p.stages.WithLabelValues(string(channel), stage).Observe(d.Seconds())
}

func (p *Prometheus) RecordQueueLag(_ context.Context, channel types.Channel, lag time.Duration) {
	p.queueLag.WithLabelValues(string(channel)).Observe(lag.Seconds())
}

// RecordEnqueue counts one gateway request. result is "accepted", "invalid"
// or "unavailable".
func (p *Prometheus) RecordEnqueue(channel types.Channel, result string) {
	p.enqueued.WithLabelValues(string(channel), result).Inc()
}

// RecordRequest observes one HTTP request. route is the chi route pattern,
// not the raw path, to keep cardinality bounded.
func (p *Prometheus) RecordRequest(method, route, status string, d time.Duration) {
	p.requests.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry, e.g. for extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }
