package metrics

import (
	"fmt"
	"net/http"
	"time"

	"notifypipe/internal/config"
	"notifypipe/internal/types"
	"notifypipe/internal/worker"
)

// Recorder is the union of the worker and gateway metric surfaces.
type Recorder interface {
	worker.Metrics
	RecordEnqueue(channel types.Channel, result string)
	RecordRequest(method, route, status string, d time.Duration)
}

// Nop discards everything.
type Nop struct{ worker.NopMetrics }

func (Nop) RecordEnqueue(types.Channel, string)                    {}
func (Nop) RecordRequest(string, string, string, time.Duration) {}

// New selects the backend named in cfg. The returned handler is non-nil only
// for Prometheus; cw is only consulted for CloudWatch.
func New(cfg config.ObservabilityConfig, cw CloudWatchClient, logger types.Logger) (Recorder, http.Handler, error) {
	switch cfg.MetricsBackend {
	case "prometheus":
		p := NewPrometheus(promNamespace(cfg.MetricNamespace))
		return p, p.Handler(), nil
	case "cloudwatch":
		if cw == nil {
			return nil, nil, fmt.Errorf("metrics: cloudwatch backend selected without a client")
		}
		return NewCloudWatch(cw, cfg.MetricNamespace, logger), nil, nil
	case "none", "":
		return Nop{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("metrics: unknown backend %q", cfg.MetricsBackend)
	}
}

// promNamespace lowercases the CloudWatch-style namespace ("NotifyPipe")
// into a Prometheus prefix ("notifypipe").
func promNamespace(ns string) string {
	out := make([]byte, 0, len(ns))
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
