package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"notifypipe/internal/types"
	"notifypipe/internal/worker"
)

// CloudWatch metric and dimension names.
const (
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricStageLatency    = "StageLatency"
	MetricQueueLag        = "QueueLag"
	MetricEnqueue         = "Enqueue"
	MetricAPILatency      = "APILatency"

	DimChannel = "Channel"
	DimResult  = "Result"
	DimStage   = "Stage"
	DimRoute   = "Route"
	DimStatus  = "Status"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ worker.Metrics = (*CloudWatch)(nil)

// CloudWatch emits one PutMetricData call per observation. Failures are
// logged and never reach the caller.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Channel, Result}
//   - StageLatency:    Dims {Channel, Stage}, milliseconds
//   - QueueLag:        Dims {Channel}, milliseconds
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatch creates a CloudWatch recorder publishing to namespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatch {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatch) RecordDelivery(ctx context.Context, channel types.Channel, result string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(DimChannel, string(channel)),
			dim(DimResult, result),
		},
	})
}

func (m *CloudWatch) RecordLatency(ctx context.Context, channel types.Channel, stage string, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricStageLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			dim(DimChannel, string(channel)),
			dim(DimStage, stage),
		},
	})
}

func (m *CloudWatch) RecordQueueLag(ctx context.Context, channel types.Channel, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{dim(DimChannel, string(channel))},
	})
}

// RecordEnqueue counts one gateway request.
func (m *CloudWatch) RecordEnqueue(channel types.Channel, result string) {
	m.put(context.Background(), cwtypes.MetricDatum{
		MetricName: aws.String(MetricEnqueue),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(DimChannel, string(channel)),
			dim(DimResult, result),
		},
	})
}

// RecordRequest records HTTP latency per route and status code.
func (m *CloudWatch) RecordRequest(method, route, status string, d time.Duration) {
	m.put(context.Background(), cwtypes.MetricDatum{
		MetricName: aws.String(MetricAPILatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			dim(DimRoute, method+" "+route),
			dim(DimStatus, status),
		},
	})
}

func (m *CloudWatch) put(ctx context.Context, datum cwtypes.MetricDatum) {
	// Metrics must not be lost because the message context was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
