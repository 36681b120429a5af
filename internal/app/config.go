package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
)

// Драйверы хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Драйверы хранилища ключей идемпотентности.
const (
	IdempotencyDriverMemory   = "memory"
	IdempotencyDriverPostgres = "postgres"
	IdempotencyDriverRedis    = "redis"
)

// Config описывает настройки запуска сервиса заказов.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	KafkaBrokers    string
	KafkaGroupID    string
	RequestTopic    string
	ReplyTopic      string
	ProductsTopic   string
	EventsTopic     string
	DLQTopic        string
	ConsumerRetries int

	ResolveTimeout        time.Duration
	StrictTransitions     bool
	AllowMockIntegrations bool

	IdempotencyDriver           string
	RedisAddr                   string
	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending порог backlog, выше которого /healthz сообщает degraded; 0 отключает проверку.
	OutboxMaxPending int

	OTLPEndpoint string
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaGroupID:    "orders-service",
		RequestTopic:    kafka.TopicOrderRequests,
		ReplyTopic:      kafka.TopicOrderReplies,
		ProductsTopic:   kafka.TopicProductRequests,
		EventsTopic:     kafka.TopicOrderEvents,
		DLQTopic:        kafka.TopicDeadLetterQueue,
		ConsumerRetries: 3,

		ResolveTimeout: 3 * time.Second,

		IdempotencyDriver:           IdempotencyDriverMemory,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   200 * time.Millisecond,
		OutboxMaxPending:   1000,
	}
}

// Validate проверяет согласованность настроек до подключения к внешним системам.
// Возвращает все найденные проблемы сразу.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.IdempotencyDriver {
	case "", IdempotencyDriverMemory:
	case IdempotencyDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres idempotency driver"))
		}
	case IdempotencyDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis address is required for redis idempotency driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported idempotency driver %q", c.IdempotencyDriver))
	}

	if len(splitBrokers(c.KafkaBrokers)) == 0 {
		if !c.AllowMockIntegrations {
			errs = append(errs, errors.New("kafka brokers are required unless mock integrations are allowed"))
		}
	} else {
		errs = append(errs, c.validateTopics()...)
	}

	if c.ResolveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resolve timeout must be > 0, got %s", c.ResolveTimeout))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, fmt.Errorf("idempotency ttl must be > 0, got %s", c.IdempotencyTTL))
	}
	return errors.Join(errs...)
}

// validateTopics: сервис не должен читать собственные ответы, события или DLQ.
func (c Config) validateTopics() []error {
	var errs []error
	if c.RequestTopic == "" {
		errs = append(errs, errors.New("request topic is required"))
	}
	if c.KafkaGroupID == "" {
		errs = append(errs, errors.New("kafka group id is required"))
	}
	others := []struct{ name, topic string }{
		{"reply", c.ReplyTopic},
		{"events", c.EventsTopic},
		{"dlq", c.DLQTopic},
		{"products", c.ProductsTopic},
	}
	for _, other := range others {
		if other.topic != "" && other.topic == c.RequestTopic {
			errs = append(errs, fmt.Errorf("%s topic must differ from request topic %q", other.name, c.RequestTopic))
		}
	}
	return errs
}
