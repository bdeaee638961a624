// Package platform opens the backends named in config and assembles the
// channel workers. The gateway, worker and lambda binaries share it so the
// three processes agree on queue, store and metrics selection.
package platform

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"notifypipe/internal/config"
	"notifypipe/internal/core"
	"notifypipe/internal/db"
	"notifypipe/internal/deadletter"
	"notifypipe/internal/idempotency"
	"notifypipe/internal/metrics"
	"notifypipe/internal/queue"
	"notifypipe/internal/queue/memory"
	"notifypipe/internal/queue/rabbitmq"
	"notifypipe/internal/queue/sqs"
	"notifypipe/internal/types"
)

// Backends holds every shared resource a process needs. Close releases them
// in reverse order of opening.
type Backends struct {
	Broker      queue.Broker
	Idempotency idempotency.Store
	DeadLetters deadletter.Store

	closers []func()
}

// Close releases all resources. It is safe to call on a partially opened
// Backends.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Probes returns the /health probes for the opened backends.
func (b *Backends) Probes() []core.HealthProbe {
	var probes []core.HealthProbe
	if b.Broker != nil {
		probes = append(probes, core.PingProbe("broker", b.Broker))
	}
	if b.Idempotency != nil {
		probes = append(probes, core.PingProbe("idempotency", b.Idempotency))
	}
	if b.DeadLetters != nil {
		probes = append(probes, core.PingProbe("dead_letters", b.DeadLetters))
	}
	return probes
}

// Open connects the broker and both stores selected in cfg. On error every
// resource opened so far is released.
func Open(ctx context.Context, cfg *config.Config, logger types.Logger) (*Backends, error) {
	b := &Backends{}

	broker, err := OpenBroker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.Broker = broker
	b.closers = append(b.closers, func() {
		if err := broker.Close(); err != nil {
			logger.Warn("broker close failed", "error", err)
		}
	})

	if err := b.openStores(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// OpenBroker connects the dispatch queue backend named by cfg.Broker.Kind.
func OpenBroker(ctx context.Context, cfg *config.Config, logger types.Logger) (queue.Broker, error) {
	switch cfg.Broker.Kind {
	case "rabbitmq":
		b, err := rabbitmq.Dial(ctx, cfg.Broker, logger.With("broker", "rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		return b, nil
	case "sqs":
		awsCfg, err := LoadAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return sqs.New(NewSQSClient(awsCfg, cfg.AWS), sqs.QueueURLs{
			Push:   cfg.AWS.PushQueueURL,
			Email:  cfg.AWS.EmailQueueURL,
			Failed: cfg.AWS.FailedQueueURL,
		}, logger.With("broker", "sqs")), nil
	case "memory":
		logger.Warn("using in-process memory broker; messages do not survive a restart")
		return memory.New(memory.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func (b *Backends) openStores(ctx context.Context, cfg *config.Config, logger types.Logger) error {
	var pool *pgxpool.Pool
	needPool := cfg.Idempotency.Backend == "postgres" || cfg.DeadLetter.Backend == "postgres"
	if needPool {
		p, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		pool = p
		b.closers = append(b.closers, p.Close)

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx, p, logger); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
	}

	switch cfg.Idempotency.Backend {
	case "postgres":
		b.Idempotency = db.NewIdempotencyRepository(pool, cfg.Idempotency.TTL, nil)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		b.Idempotency = idempotency.NewRedisStore(client, cfg.Idempotency.TTL, nil)
	case "memory":
		logger.Warn("using in-process idempotency store; dedup does not span processes")
		b.Idempotency = idempotency.NewMemoryStore(cfg.Idempotency.TTL, nil)
	default:
		return fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
	}

	switch cfg.DeadLetter.Backend {
	case "postgres":
		b.DeadLetters = db.NewDeadLetterRepository(pool)
	case "memory":
		b.DeadLetters = deadletter.NewMemoryStore()
	default:
		return fmt.Errorf("unknown dead letter backend %q", cfg.DeadLetter.Backend)
	}
	return nil
}

// LoadAWS resolves the default credential chain for the configured region.
func LoadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// NewSQSClient builds an SQS client, pointing it at AWS_ENDPOINT_URL when set
// (LocalStack).
func NewSQSClient(awsCfg aws.Config, cfg config.AWSConfig) *awssqs.Client {
	return awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
}

// NewMetrics builds the metrics recorder. The returned handler serves
// /metrics and is nil unless the Prometheus backend is selected.
func NewMetrics(ctx context.Context, cfg *config.Config, logger types.Logger) (metrics.Recorder, http.Handler, error) {
	var cw metrics.CloudWatchClient
	if cfg.Observability.MetricsBackend == "cloudwatch" {
		awsCfg, err := LoadAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		cw = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
	}
	rec, handler, err := metrics.New(cfg.Observability, cw, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	return rec, handler, nil
}
