package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

const tracerName = "github.com/vladislavdragonenkov/orders/internal/service/orders"

// Названия операций для метрик и span.
const (
	opCreate       = "create"
	opList         = "list"
	opGet          = "get"
	opChangeStatus = "change_status"
)

// CreateItemInput — позиция входящего запроса на создание заказа.
type CreateItemInput struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

// CreateOrderInput — запрос на создание заказа.
type CreateOrderInput struct {
	Items []CreateItemInput `json:"items"`
}

// Validate проверяет состав заказа до обращения к каталогу.
func (in CreateOrderInput) Validate() error {
	if len(in.Items) == 0 {
		return domain.ErrItemsRequired
	}
	var total int64
	for idx, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("items[%d]: %w", idx, domain.ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("items[%d]: %w", idx, domain.ErrItemQtyInvalid)
		}
		total += int64(item.Quantity)
	}
	if total > math.MaxInt32 {
		return fmt.Errorf("%w: %d", domain.ErrTotalItemsOverflow, total)
	}
	return nil
}

// Options задаёт необязательные зависимости Engine.
type Options struct {
	Outbox  domain.OutboxRepository
	Policy  domain.TransitionPolicy
	Logger  *log.Entry
	Metrics *metrics.OrderMetrics
	Tracer  trace.Tracer
	Clock   func() time.Time
	NewID   func() string
}

// Option настраивает Engine.
type Option func(*Options)

// WithOutbox включает запись событий жизненного цикла в outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(opts *Options) {
		opts.Outbox = repo
	}
}

// WithTransitionPolicy задаёт политику смены статусов.
func WithTransitionPolicy(policy domain.TransitionPolicy) Option {
	return func(opts *Options) {
		opts.Policy = policy
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithTracer задаёт tracer для span операций.
func WithTracer(tracer trace.Tracer) Option {
	return func(opts *Options) {
		opts.Tracer = tracer
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов и позиций.
func WithIDGenerator(newID func() string) Option {
	return func(opts *Options) {
		opts.NewID = newID
	}
}

// Engine реализует жизненный цикл заказа поверх хранилища и каталога товаров.
type Engine struct {
	repo     domain.OrderRepository
	resolver domain.ProductResolver
	outbox   domain.OutboxRepository
	policy   domain.TransitionPolicy
	logger   *log.Entry
	metrics  *metrics.OrderMetrics
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// NewEngine собирает Engine из хранилища и каталога.
func NewEngine(repo domain.OrderRepository, resolver domain.ProductResolver, options ...Option) *Engine {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if opts.Policy == nil {
		opts.Policy = domain.PermissiveTransitions{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "order-engine")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Engine{
		repo:     repo,
		resolver: resolver,
		outbox:   opts.Outbox,
		policy:   opts.Policy,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Clock,
		newID:    opts.NewID,
	}
}

// Create проверяет товары в каталоге, считает итоги и атомарно сохраняет заказ.
func (e *Engine) Create(ctx context.Context, in CreateOrderInput) (view domain.OrderView, err error) {
	ctx, finish := e.start(ctx, opCreate)
	defer func() { finish(err) }()

	if err := in.Validate(); err != nil {
		return domain.OrderView{}, err
	}

	productIDs := distinctProductIDs(in.Items)
	products, err := e.resolve(ctx, productIDs)
	if err != nil {
		return domain.OrderView{}, err
	}

	index := domain.IndexProducts(products)
	var missing []string
	for _, id := range productIDs {
		if _, ok := index[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return domain.OrderView{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, strings.Join(missing, ", "))
	}

	now := e.now()
	order := domain.Order{
		ID:        e.newID(),
		Status:    domain.OrderStatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Items:     make([]domain.OrderItem, 0, len(in.Items)),
	}
	for _, item := range in.Items {
		price := index[item.ProductID].Price
		order.Items = append(order.Items, domain.OrderItem{
			ID:        e.newID(),
			ProductID: item.ProductID,
			Price:     price,
			Quantity:  item.Quantity,
			CreatedAt: now,
		})
		order.TotalAmount += price * float64(item.Quantity)
		order.TotalItems += item.Quantity
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.OrderView{}, fmt.Errorf("order %s violates invariants: %v", order.ID, errors.Join(errs...))
	}
	if err := e.repo.Create(ctx, order); err != nil {
		return domain.OrderView{}, fmt.Errorf("persist order: %w", err)
	}

	e.metrics.RecordOrderCreated()
	e.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"total_amount": order.TotalAmount,
		"total_items":  order.TotalItems,
	}).Info("order created")

	view = domain.NewOrderView(order, index)
	e.enqueue(ctx, domain.EventTypeOrderCreated, order.ID, view)
	return view, nil
}

// List возвращает страницу заказов без обогащения позиций.
func (e *Engine) List(ctx context.Context, query domain.ListQuery) (page domain.OrderPage, err error) {
	ctx, finish := e.start(ctx, opList)
	defer func() { finish(err) }()

	query, err = query.Normalize()
	if err != nil {
		return domain.OrderPage{}, err
	}

	total, err := e.repo.Count(ctx, query.Status)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("count orders: %w", err)
	}

	data := make([]domain.Order, 0)
	if query.Offset() < total {
		found, err := e.repo.List(ctx, query.Status, query.Offset(), query.Limit)
		if err != nil {
			return domain.OrderPage{}, fmt.Errorf("list orders: %w", err)
		}
		data = append(data, found...)
	}

	return domain.OrderPage{
		Data: data,
		Meta: domain.PageMeta{
			Total:    total,
			Page:     query.Page,
			LastPage: domain.LastPage(total, query.Limit),
		},
	}, nil
}

// Get возвращает заказ с позициями, обогащёнными текущими названиями товаров.
// Позиции удалённых из каталога товаров возвращаются с пустым названием.
func (e *Engine) Get(ctx context.Context, id string) (view domain.OrderView, err error) {
	ctx, finish := e.start(ctx, opGet)
	defer func() { finish(err) }()

	order, err := e.repo.Get(ctx, id)
	if err != nil {
		return domain.OrderView{}, err
	}

	productIDs := order.ProductIDs()
	products, err := e.resolve(ctx, productIDs)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		e.logger.WithError(err).WithField("order_id", order.ID).Warn("catalog rejected order products, names are omitted")
		products = nil
	case err != nil:
		return domain.OrderView{}, err
	}

	index := domain.IndexProducts(products)
	if len(index) < len(productIDs) {
		var missing []string
		for _, productID := range productIDs {
			if _, ok := index[productID]; !ok {
				missing = append(missing, productID)
			}
		}
		e.logger.WithFields(log.Fields{
			"order_id":    order.ID,
			"product_ids": missing,
		}).Warn("order references products missing from catalog")
	}

	return domain.NewOrderView(order, index), nil
}

// ChangeStatus переводит заказ в новый статус. Повтор текущего статуса ничего не пишет.
func (e *Engine) ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (order domain.Order, err error) {
	ctx, finish := e.start(ctx, opChangeStatus)
	defer func() { finish(err) }()

	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}

	current, err := e.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	current.Items = nil

	if current.Status == status {
		return current, nil
	}
	if err := e.policy.Allow(current.Status, status); err != nil {
		return domain.Order{}, err
	}

	updated, err := e.repo.UpdateStatus(ctx, id, status, e.now())
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}
	updated.Items = nil

	e.metrics.RecordStatusChange(string(status))
	e.logger.WithFields(log.Fields{
		"order_id": id,
		"from":     current.Status,
		"to":       status,
	}).Info("order status changed")

	e.enqueue(ctx, domain.EventTypeOrderStatusChanged, id, statusChangedEvent{
		ID:        id,
		From:      current.Status,
		To:        status,
		UpdatedAt: updated.UpdatedAt,
	})
	return updated, nil
}

type statusChangedEvent struct {
	ID        string             `json:"id"`
	From      domain.OrderStatus `json:"from"`
	To        domain.OrderStatus `json:"to"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// resolve выполняет ровно один запрос к каталогу и приводит ошибки к доменным.
func (e *Engine) resolve(ctx context.Context, productIDs []string) ([]domain.ProductRef, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	started := time.Now()
	products, err := e.resolver.Resolve(ctx, productIDs)
	e.metrics.RecordResolve(time.Since(started))
	if err == nil {
		return products, nil
	}

	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		e.metrics.RecordResolveError("not_found")
		return nil, err
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		e.metrics.RecordResolveError("unavailable")
		return nil, err
	default:
		e.metrics.RecordResolveError("unavailable")
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
}

// enqueue пишет событие в outbox. Ошибка не прерывает операцию.
func (e *Engine) enqueue(ctx context.Context, eventType, orderID string, payload any) {
	if e.outbox == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", orderID).Warn("failed to encode outbox event")
		return
	}

	_, err = e.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       body,
	})
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id":   orderID,
			"event_type": eventType,
		}).Warn("failed to enqueue outbox event")
		return
	}
	e.metrics.RecordOutboxEnqueued()
}

func (e *Engine) start(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "orders."+operation, trace.WithAttributes(
		attribute.String("orders.operation", operation),
	))
	started := time.Now()

	return ctx, func(err error) {
		e.metrics.RecordOperation(operation, err, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func distinctProductIDs(items []CreateItemInput) []string {
	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}
