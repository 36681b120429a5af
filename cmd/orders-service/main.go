package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/app"
	"github.com/vladislavdragonenkov/orders/internal/version"
)

const (
	envGRPCAddr                    = "ORDERS_GRPC_HEALTH_ADDR"
	envMetricsAddr                 = "ORDERS_METRICS_ADDR"
	envLogLevel                    = "ORDERS_LOG_LEVEL"
	envStorageDriver               = "ORDERS_STORAGE_DRIVER"
	envPostgresDSN                 = "ORDERS_POSTGRES_DSN"
	envPostgresAutoMigrate         = "ORDERS_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers                = "ORDERS_KAFKA_BROKERS"
	envKafkaGroupID                = "ORDERS_KAFKA_GROUP_ID"
	envRequestTopic                = "ORDERS_REQUEST_TOPIC"
	envReplyTopic                  = "ORDERS_REPLY_TOPIC"
	envProductsTopic               = "ORDERS_PRODUCTS_TOPIC"
	envEventsTopic                 = "ORDERS_EVENTS_TOPIC"
	envDLQTopic                    = "ORDERS_DLQ_TOPIC"
	envResolveTimeout              = "ORDERS_RESOLVE_TIMEOUT"
	envStrictTransitions           = "ORDERS_STRICT_TRANSITIONS"
	envAllowMockIntegrations       = "ORDERS_ALLOW_MOCK_INTEGRATIONS"
	envIdempotencyDriver           = "ORDERS_IDEMPOTENCY_DRIVER"
	envRedisAddr                   = "ORDERS_REDIS_ADDR"
	envIdempotencyTTL              = "ORDERS_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "ORDERS_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "ORDERS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envOutboxPollInterval          = "ORDERS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "ORDERS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "ORDERS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "ORDERS_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending            = "ORDERS_OUTBOX_MAX_PENDING"
	envOTLPEndpoint                = "ORDERS_OTLP_ENDPOINT"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(parseLogLevel(lookup))
}

func parseLogLevel(lookup envLookup) log.Level {
	raw, ok := lookupTrimmed(lookup, envLogLevel)
	if !ok {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// readConfigFromEnv формирует конфигурацию; некорректные значения заменяются значениями
// по умолчанию и возвращаются как предупреждения.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
	}

	setString := func(key string, dst *string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		raw, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		v, err := parseBool(raw)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	setInt := func(key string, dst *int, valid func(int) bool, rule string) {
		raw, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		v, err := parseInt(raw, valid, rule)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}
	setDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		raw, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		v, err := parseDuration(raw, valid, rule)
		if err != nil {
			warn(key, raw, err)
			return
		}
		*dst = v
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	setString(envGRPCAddr, &cfg.GRPCAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)

	setString(envKafkaBrokers, &cfg.KafkaBrokers)
	setString(envKafkaGroupID, &cfg.KafkaGroupID)
	setString(envRequestTopic, &cfg.RequestTopic)
	setString(envReplyTopic, &cfg.ReplyTopic)
	setString(envProductsTopic, &cfg.ProductsTopic)
	setString(envEventsTopic, &cfg.EventsTopic)
	setString(envDLQTopic, &cfg.DLQTopic)
	setDuration(envResolveTimeout, &cfg.ResolveTimeout, positiveDuration, "must be > 0")
	setBool(envStrictTransitions, &cfg.StrictTransitions)
	setBool(envAllowMockIntegrations, &cfg.AllowMockIntegrations)

	if v, ok := lookupTrimmed(lookup, envIdempotencyDriver); ok {
		cfg.IdempotencyDriver = strings.ToLower(v)
	}
	setString(envRedisAddr, &cfg.RedisAddr)
	setDuration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	setInt(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")

	setString(envOTLPEndpoint, &cfg.OTLPEndpoint)

	return cfg, warnings
}

func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	raw, ok := lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"request_topic":  cfg.RequestTopic,
	}).Info("запускаем orders-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("orders-service остановлен")
}
