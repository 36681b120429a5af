package app

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

// localConfig — конфигурация без Kafka на свободных портах.
func localConfig() Config {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.AllowMockIntegrations = true
	return cfg
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	require.ErrorIs(t, Run(ctx, localConfig()), context.Canceled)
}

func TestRun_StartupErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.StorageDriver = "invalid-driver" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "kafka required",
			mutate:  func(c *Config) { c.AllowMockIntegrations = false },
			wantErr: "kafka brokers are required",
		},
		{
			name:    "grpc address",
			mutate:  func(c *Config) { c.GRPCAddr = "256.0.0.1:bad" },
			wantErr: "listen grpc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := localConfig()
			tt.mutate(&cfg)
			require.ErrorContains(t, Run(context.Background(), cfg), tt.wantErr)
		})
	}
}

func TestOutboxBacklogChecker(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	checker := outboxBacklogChecker(repo, 1)

	enqueue := func(orderID string) {
		_, err := repo.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateTypeOrder,
			AggregateID:   orderID,
			EventType:     domain.EventTypeOrderCreated,
			Payload:       []byte(`{}`),
		})
		require.NoError(t, err)
	}

	require.Equal(t, healthcheck.StatusHealthy, checker.Check(ctx).Status)

	enqueue("order-1")
	require.Equal(t, healthcheck.StatusHealthy, checker.Check(ctx).Status, "backlog at the limit is fine")

	enqueue("order-2")
	check := checker.Check(ctx)
	require.Equal(t, healthcheck.StatusUnhealthy, check.Status)
	require.Contains(t, check.Message, "outbox backlog 2 exceeds 1")
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("ORDERS_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("ORDERS_POSTGRES_TEST_DSN is not set")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.IdempotencyDriver = IdempotencyDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { require.NoError(t, deps.closeFn()) })

	require.NotNil(t, deps.repo)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.idempotencyRepo)
	require.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(context.Background()).Status)
}
