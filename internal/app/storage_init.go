package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
	"github.com/vladislavdragonenkov/orders/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/orders/internal/storage/redis"
)

// runtimeDependencies хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	repo               domain.OrderRepository
	outboxRepo         domain.OutboxRepository
	idempotencyRepo    domain.IdempotencyRepository
	storageChecker     healthcheck.Checker
	idempotencyChecker healthcheck.Checker
	closeFn            func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}
	var closers []func() error

	var store *postgres.Store
	openStore := func() (*postgres.Store, error) {
		if store != nil {
			return store, nil
		}
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres dsn is required for postgres driver")
		}
		opened, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := opened.EnsureSchema(ctx); err != nil {
				opened.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		store = opened
		closers = append(closers, func() error {
			opened.Close()
			return nil
		})
		return store, nil
	}

	fail := func(err error) (*runtimeDependencies, error) {
		closeAll(closers)
		return nil, err
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.repo = memory.NewOrderRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.storageChecker = healthcheck.CheckFunc(func(context.Context) error { return nil })
	case StorageDriverPostgres:
		s, err := openStore()
		if err != nil {
			return fail(err)
		}
		deps.repo = postgres.NewOrderRepository(s)
		deps.outboxRepo = postgres.NewOutboxRepository(s)
		deps.storageChecker = healthcheck.CheckFunc(s.Ping)
	default:
		return fail(fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver))
	}

	switch cfg.IdempotencyDriver {
	case IdempotencyDriverMemory, "":
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
	case IdempotencyDriverPostgres:
		s, err := openStore()
		if err != nil {
			return fail(err)
		}
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(s)
	case IdempotencyDriverRedis:
		addr := strings.TrimSpace(cfg.RedisAddr)
		if addr == "" {
			return fail(errors.New("redis address is required for redis idempotency driver"))
		}
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		closers = append(closers, client.Close)
		repo := redisstore.NewIdempotencyRepository(client)
		if err := repo.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		deps.idempotencyRepo = repo
		deps.idempotencyChecker = healthcheck.CheckFunc(repo.Ping)
	default:
		return fail(fmt.Errorf("unsupported idempotency driver %q", cfg.IdempotencyDriver))
	}

	deps.closeFn = func() error {
		return closeAll(closers)
	}

	logger.WithFields(log.Fields{
		"storage_driver":     cfg.StorageDriver,
		"idempotency_driver": cfg.IdempotencyDriver,
	}).Info("storage initialized")
	return deps, nil
}

// closeAll закрывает ресурсы в обратном порядке открытия.
func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
