package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 50 * time.Millisecond
	maxRetryDelay       = 5 * time.Second
)

// Исходы доставки события, они же значения метки result.
const (
	resultSent     = "sent"
	resultRetry    = "retry_error"
	resultFailed   = "failed"
	resultRejected = "rejected"
	resultDLQError = "dlq_failed"
)

// errMalformedEvent помечает событие, которое нет смысла публиковать повторно.
var errMalformedEvent = errors.New("malformed order event")

// Options задаёт параметры Relay.
type Options struct {
	Logger       *log.Entry
	Metrics      *metrics.OrderMetrics
	Clock        func() time.Time
	Routes       map[string]domain.OutboxPublisher
	DeadLetters  domain.OutboxPublisher
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
}

// Option настраивает Relay.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики публикации и backlog.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithRoute направляет события типа eventType в publisher.
func WithRoute(eventType string, publisher domain.OutboxPublisher) Option {
	return func(opts *Options) {
		if opts.Routes == nil {
			opts.Routes = make(map[string]domain.OutboxPublisher)
		}
		opts.Routes[eventType] = publisher
	}
}

// WithOrderEvents направляет оба события жизненного цикла заказа в один publisher.
func WithOrderEvents(publisher domain.OutboxPublisher) Option {
	return func(opts *Options) {
		WithRoute(domain.EventTypeOrderCreated, publisher)(opts)
		WithRoute(domain.EventTypeOrderStatusChanged, publisher)(opts)
	}
}

// WithDeadLetters задаёт publisher для событий, которые не удалось доставить.
func WithDeadLetters(publisher domain.OutboxPublisher) Option {
	return func(opts *Options) {
		opts.DeadLetters = publisher
	}
}

// WithPollInterval задаёт паузу между опросами пустого outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер пачки.
func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(attempts int) Option {
	return func(opts *Options) {
		opts.MaxAttempts = attempts
	}
}

// WithRetryDelay задаёт задержку перед второй попыткой; дальше она удваивается.
func WithRetryDelay(delay time.Duration) Option {
	return func(opts *Options) {
		opts.RetryDelay = delay
	}
}

// Relay переносит события заказов из outbox в брокер.
type Relay struct {
	repo        domain.OutboxRepository
	routes      map[string]domain.OutboxPublisher
	deadLetters domain.OutboxPublisher
	logger      *log.Entry
	metrics     *metrics.OrderMetrics
	now         func() time.Time
	interval    time.Duration
	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
}

// NewRelay создаёт relay поверх outbox-репозитория.
func NewRelay(repo domain.OutboxRepository, options ...Option) *Relay {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-relay")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}

	routes := make(map[string]domain.OutboxPublisher, len(opts.Routes))
	for eventType, publisher := range opts.Routes {
		if publisher != nil {
			routes[eventType] = publisher
		}
	}

	return &Relay{
		repo:        repo,
		routes:      routes,
		deadLetters: opts.DeadLetters,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Clock,
		interval:    opts.PollInterval,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
}

// Run опрашивает outbox до отмены ctx. Полная пачка забирается следующей без паузы.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || len(r.routes) == 0 {
		r.logger.Warn("outbox relay is disabled: no repository or routes")
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := r.interval
		if r.ProcessOnce(ctx) >= r.batchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessOnce обрабатывает одну пачку и возвращает число взятых из outbox событий.
func (r *Relay) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer r.observeBacklog(ctx)

	events, err := r.repo.PullPending(ctx, r.batchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to pull pending order events")
		return 0
	}

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		r.handle(ctx, event)
	}
	return len(events)
}

func (r *Relay) handle(ctx context.Context, event domain.OutboxMessage) {
	entry := r.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"order_id":   event.AggregateID,
		"event_type": event.EventType,
	})

	attempts, err := r.deliver(ctx, event)
	if err == nil {
		if markErr := r.repo.MarkSent(ctx, event.ID); markErr != nil {
			entry.WithError(markErr).Warn("failed to mark order event as sent")
		}
		return
	}
	if ctx.Err() != nil {
		// Событие останется pending и будет взято после рестарта.
		return
	}

	result := resultFailed
	if errors.Is(err, errMalformedEvent) {
		result = resultRejected
	}
	r.metrics.RecordOutboxPublish(event.EventType, result)
	entry.WithError(err).WithField("attempts", attempts).Error("order event was not delivered")

	if dlqErr := r.publishDeadLetter(ctx, event, err, attempts); dlqErr != nil {
		entry.WithError(dlqErr).Warn("failed to publish order event to dead letters")
		r.metrics.RecordOutboxPublish(event.EventType, resultDLQError)
	}
	if markErr := r.repo.MarkFailed(ctx, event.ID); markErr != nil {
		entry.WithError(markErr).Warn("failed to mark order event as failed")
	}
}

// deliver публикует событие с повторами; некорректное событие не публикуется вовсе.
func (r *Relay) deliver(ctx context.Context, event domain.OutboxMessage) (int, error) {
	publisher, err := r.route(event)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, r.backoff(attempt-1)); err != nil {
				return attempt - 1, err
			}
		}

		lastErr = publisher.Publish(ctx, event)
		if lastErr == nil {
			r.metrics.RecordOutboxPublish(event.EventType, resultSent)
			return attempt, nil
		}
		r.metrics.RecordOutboxPublish(event.EventType, resultRetry)
	}
	return r.maxAttempts, fmt.Errorf("publish %s after %d attempts: %w", event.EventType, r.maxAttempts, lastErr)
}

func (r *Relay) route(event domain.OutboxMessage) (domain.OutboxPublisher, error) {
	if err := validateOrderEvent(event); err != nil {
		return nil, err
	}
	publisher, ok := r.routes[event.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: no route for event type %q", errMalformedEvent, event.EventType)
	}
	return publisher, nil
}

// orderEventBody — поля, общие для событий заказа.
type orderEventBody struct {
	ID     string             `json:"id"`
	Status domain.OrderStatus `json:"status"`
	To     domain.OrderStatus `json:"to"`
}

// validateOrderEvent сверяет тело события с его заголовком.
func validateOrderEvent(event domain.OutboxMessage) error {
	if event.AggregateType != domain.AggregateTypeOrder {
		return fmt.Errorf("%w: aggregate type %q", errMalformedEvent, event.AggregateType)
	}

	var body orderEventBody
	if err := json.Unmarshal(event.Payload, &body); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if body.ID == "" || body.ID != event.AggregateID {
		return fmt.Errorf("%w: payload id %q does not match order %q", errMalformedEvent, body.ID, event.AggregateID)
	}

	switch event.EventType {
	case domain.EventTypeOrderCreated:
		if body.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: created order has status %q", errMalformedEvent, body.Status)
		}
	case domain.EventTypeOrderStatusChanged:
		if !body.To.Valid() {
			return fmt.Errorf("%w: target status %q", errMalformedEvent, body.To)
		}
	}
	return nil
}

// DeadLetter — содержимое события, отправленного в DLQ.
type DeadLetter struct {
	OutboxID  string          `json:"outboxId"`
	OrderID   string          `json:"orderId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	FailedAt  time.Time       `json:"failedAt"`
}

func (r *Relay) publishDeadLetter(ctx context.Context, event domain.OutboxMessage, cause error, attempts int) error {
	if r.deadLetters == nil {
		return nil
	}

	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		raw, _ := json.Marshal(string(event.Payload))
		payload = raw
	}
	body, err := json.Marshal(DeadLetter{
		OutboxID:  event.ID,
		OrderID:   event.AggregateID,
		EventType: event.EventType,
		Payload:   payload,
		Reason:    cause.Error(),
		Attempts:  attempts,
		FailedAt:  r.now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	dead := event
	dead.Payload = body
	return r.deadLetters.Publish(ctx, dead)
}

func (r *Relay) observeBacklog(ctx context.Context) {
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = r.now().Sub(stats.OldestPendingAt)
	}
	r.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

// backoff: retryDelay * 2^(n-1), но не больше maxRetryDelay.
func (r *Relay) backoff(n int) time.Duration {
	if r.retryDelay <= 0 {
		return 0
	}
	delay := r.retryDelay
	for i := 1; i < n && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
