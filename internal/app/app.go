package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orders/internal/health"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/service/catalog"
	"github.com/vladislavdragonenkov/orders/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
	"github.com/vladislavdragonenkov/orders/internal/service/outbox"
	"github.com/vladislavdragonenkov/orders/internal/service/router"
	"github.com/vladislavdragonenkov/orders/internal/tracing"
	"github.com/vladislavdragonenkov/orders/internal/version"
)

const (
	serviceName     = "orders-service"
	shutdownTimeout = 5 * time.Second
)

// Run собирает сервис по конфигурации и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithFields(version.Fields()).WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := deps.closeFn(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close storage")
		}
	}()

	_, shutdownTracing, err := tracing.InitTracing(ctx, logger.WithField("layer", "tracing"), tracing.Config{
		ServiceName: serviceName,
		Version:     version.GetVersion(),
		Endpoint:    cfg.OTLPEndpoint,
		Probability: 1,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	orderMetrics := metrics.NewOrderMetrics()
	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	if deps.idempotencyChecker != nil {
		healthHandler.RegisterChecker("redis", deps.idempotencyChecker)
	}
	if cfg.OutboxMaxPending > 0 {
		healthHandler.RegisterOptionalChecker("outbox", outboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))
	}

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger.WithField("layer", "kafka"))
	if err != nil {
		return err
	}
	defer closeKafka(producer, logger)

	var resolver domain.ProductResolver
	if cfg.AllowMockIntegrations {
		logger.Warn("using static product catalog (mock integrations enabled)")
		resolver = catalog.NewStaticCatalog(catalog.DefaultProducts()...)
	} else {
		requester, err := initKafkaRequester(cfg.KafkaBrokers, cfg.ReplyTopic, logger.WithField("layer", "kafka"))
		if err != nil {
			return err
		}
		defer closeRequester(requester, logger)

		guarded := catalog.NewGuardedResolver(
			kafka.NewProductCatalogClient(requester, cfg.ProductsTopic),
			catalog.WithTimeout(cfg.ResolveTimeout),
			catalog.WithLogger(logger.WithField("layer", "catalog")),
		)
		healthHandler.RegisterOptionalChecker("catalog", healthcheck.CheckFunc(guarded.Healthy))
		resolver = guarded
	}

	var policy domain.TransitionPolicy = domain.PermissiveTransitions{}
	if cfg.StrictTransitions {
		policy = domain.StrictTransitions{}
	}

	engine := orders.NewEngine(deps.repo, resolver,
		orders.WithOutbox(deps.outboxRepo),
		orders.WithTransitionPolicy(policy),
		orders.WithLogger(logger.WithField("layer", "engine")),
		orders.WithMetrics(orderMetrics),
	)
	dispatcher := router.New(engine,
		router.WithIdempotency(deps.idempotencyRepo, cfg.IdempotencyTTL),
		router.WithLogger(logger.WithField("layer", "router")),
		router.WithMetrics(orderMetrics),
	)

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var workers sync.WaitGroup

	var consumer *kafka.Consumer
	if producer != nil {
		handler := kafka.NewRequestHandler(dispatcher, producer)
		consumer, err = kafka.NewConsumer(splitBrokers(cfg.KafkaBrokers), cfg.KafkaGroupID,
			[]string{cfg.RequestTopic}, handler.Handle,
			kafka.WithDeadLetterTopic(producer, cfg.DLQTopic),
			kafka.WithMaxAttempts(cfg.ConsumerRetries),
			kafka.WithConsumerLogger(logger.WithField("layer", "kafka-consumer")),
		)
		if err != nil {
			return err
		}
		if err := consumer.Start(workersCtx); err != nil {
			return err
		}

		relay := outbox.NewRelay(deps.outboxRepo,
			outbox.WithOrderEvents(kafka.NewOutboxPublisher(producer, cfg.EventsTopic)),
			outbox.WithDeadLetters(kafka.NewOutboxPublisher(producer, cfg.DLQTopic)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryDelay(cfg.OutboxRetryDelay),
			outbox.WithMetrics(orderMetrics),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
		)
		startWorker(&workers, func() { relay.Run(workersCtx) })
	} else {
		logger.Warn("kafka is not configured: request consumer and outbox publisher are disabled")
	}

	sweeper := idempotency.NewSweeper(deps.idempotencyRepo,
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithMetrics(orderMetrics),
		idempotency.WithLogger(logger.WithField("layer", "idempotency")),
	)
	startWorker(&workers, func() { sweeper.Run(workersCtx) })

	stopBackground := func() {
		cancelWorkers()
		stopConsumer(consumer, logger)
		workers.Wait()
	}

	grpcServer, healthServer := newGRPCServer(logger)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		stopBackground()
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC health сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		healthServer.Shutdown()
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		stopBackground()
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		stopBackground()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func startWorker(wg *sync.WaitGroup, run func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run()
	}()
}

// newGRPCServer поднимает gRPC сервер с health и reflection для проверок оркестратора.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// outboxBacklogChecker понижает статус до degraded, когда backlog превышает порог.
func outboxBacklogChecker(repo domain.OutboxRepository, maxPending int) healthcheck.Checker {
	return healthcheck.CheckFunc(func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	})
}

// newOpsRouter собирает служебные HTTP-маршруты.
func newOpsRouter(healthHandler *healthcheck.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/healthz", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/livez", healthcheck.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", healthHandler.ReadinessHandler).Methods(http.MethodGet)
	return r
}

// startMetricsServer запускает HTTP-сервер с /metrics и health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(healthHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
