package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики сервиса заказов.
// Все методы безопасны для nil-получателя: сервисы без метрик просто ничего не пишут.
type OrderMetrics struct {
	// Транспорт request/reply
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Жизненный цикл заказа
	ordersCreated  prometheus.Counter
	statusChanges  *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec

	// Каталог товаров
	resolverDuration prometheus.Histogram
	resolverErrors   *prometheus.CounterVec

	// Outbox
	outboxEnqueued      prometheus.Counter
	outboxPublish       *prometheus.CounterVec
	outboxPending       prometheus.Gauge
	outboxOldestPending prometheus.Gauge

	// Идемпотентность
	idempotencyResults *prometheus.CounterVec
	cleanupRuns        *prometheus.CounterVec
	cleanupDeleted     prometheus.Counter
	cleanupLastDeleted prometheus.Gauge
}

// NewOrderMetrics создаёт метрики в глобальном реестре prometheus.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		requestsTotal: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_requests_total",
			Help: "Total number of handled request/reply messages grouped by pattern and reply status.",
		}, []string{"pattern", "status"}),
		requestDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_request_duration_seconds",
			Help:    "Duration of request dispatch in seconds grouped by pattern.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"pattern"}),
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders created",
		}),
		statusChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_status_changes_total",
			Help: "Total number of order status changes grouped by target status.",
		}, []string{"to"}),
		engineDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orders_operation_duration_seconds",
			Help:    "Duration of order engine operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		resolverDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "orders_catalog_resolve_duration_seconds",
			Help:    "Duration of product catalog lookups in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		resolverErrors: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_catalog_resolve_errors_total",
			Help: "Total number of failed product catalog lookups grouped by reason.",
		}, []string{"reason"}),
		outboxEnqueued: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_outbox_enqueued_total",
			Help: "Total number of events written to the outbox",
		}),
		outboxPublish: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_outbox_publish_attempts_total",
			Help: "Total number of order event publish attempts grouped by event type and result.",
		}, []string{"event_type", "result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_outbox_pending_records",
			Help: "Current number of pending records in the order events outbox.",
		}),
		outboxOldestPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
		idempotencyResults: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_results_total",
			Help: "Total number of idempotency key checks grouped by result.",
		}, []string{"result"}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orders_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		cleanupLastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orders_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// RecordRequest фиксирует обработанный запрос и время его обработки.
func (m *OrderMetrics) RecordRequest(pattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(pattern, statusLabel(status)).Inc()
	m.requestDuration.WithLabelValues(pattern).Observe(duration.Seconds())
}

// RecordOperation записывает длительность операции движка заказов.
func (m *OrderMetrics) RecordOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.engineDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordStatusChange увеличивает счётчик смен статуса.
func (m *OrderMetrics) RecordStatusChange(to string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(to).Inc()
}

// RecordResolve записывает время обращения к каталогу.
func (m *OrderMetrics) RecordResolve(duration time.Duration) {
	if m == nil {
		return
	}
	m.resolverDuration.Observe(duration.Seconds())
}

// RecordResolveError увеличивает счётчик ошибок каталога.
func (m *OrderMetrics) RecordResolveError(reason string) {
	if m == nil {
		return
	}
	m.resolverErrors.WithLabelValues(reason).Inc()
}

// RecordOutboxEnqueued увеличивает счётчик событий, записанных в outbox.
func (m *OrderMetrics) RecordOutboxEnqueued() {
	if m == nil {
		return
	}
	m.outboxEnqueued.Inc()
}

// RecordOutboxPublish фиксирует исход публикации события заказа из outbox.
func (m *OrderMetrics) RecordOutboxPublish(eventType, result string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(eventType, result).Inc()
}

// SetOutboxBacklog обновляет размер и возраст backlog outbox.
func (m *OrderMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestPending.Set(oldestAge.Seconds())
}

// RecordIdempotency фиксирует исход проверки ключа идемпотентности.
func (m *OrderMetrics) RecordIdempotency(result string) {
	if m == nil {
		return
	}
	m.idempotencyResults.WithLabelValues(result).Inc()
}

// RecordCleanupRun фиксирует запуск очистки просроченных ключей.
func (m *OrderMetrics) RecordCleanupRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if result != "ok" {
		return
	}
	m.cleanupLastDeleted.Set(float64(deleted))
}

// RecordCleanupDeleted увеличивает общий счётчик удалённых ключей.
func (m *OrderMetrics) RecordCleanupDeleted(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.cleanupDeleted.Add(float64(deleted))
}

func statusLabel(status int) string {
	switch {
	case status == 0:
		return "ok"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "ok"
	}
}
