package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/service/orders"
)

// Паттерны входящих запросов.
const (
	PatternCreateOrder       = "createOrder"
	PatternFindAllOrders     = "findAllOrders"
	PatternFindOneOrder      = "findOneOrder"
	PatternChangeOrderStatus = "changeOrderStatus"
)

const defaultIdempotencyTTL = 24 * time.Hour

// errBadPayload — тело запроса не разбирается или не проходит проверку формата.
var errBadPayload = errors.New("invalid request payload")

// OrderEngine — операции жизненного цикла заказа, доступные через транспорт.
type OrderEngine interface {
	Create(ctx context.Context, in orders.CreateOrderInput) (domain.OrderView, error)
	List(ctx context.Context, query domain.ListQuery) (domain.OrderPage, error)
	Get(ctx context.Context, id string) (domain.OrderView, error)
	ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error)
}

// Options задаёт необязательные зависимости Router.
type Options struct {
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	Logger         *log.Entry
	Metrics        *metrics.OrderMetrics
	Clock          func() time.Time
}

// Option настраивает Router.
type Option func(*Options)

// WithIdempotency включает дедупликацию createOrder по x-idempotency-key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(opts *Options) {
		opts.Idempotency = repo
		opts.IdempotencyTTL = ttl
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики запросов.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени для TTL ключей идемпотентности.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Router разбирает входящие запросы, вызывает Engine и собирает envelope ответа.
type Router struct {
	engine  OrderEngine
	idem    domain.IdempotencyRepository
	idemTTL time.Duration
	logger  *log.Entry
	metrics *metrics.OrderMetrics
	now     func() time.Time
}

// New создаёт Router поверх Engine.
func New(engine OrderEngine, options ...Option) *Router {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "request-router")
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Router{
		engine:  engine,
		idem:    opts.Idempotency,
		idemTTL: opts.IdempotencyTTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
	}
}

// Dispatch реализует kafka.Dispatcher: всегда возвращает тело ответа, ошибки и паники упакованы в envelope.
func (r *Router) Dispatch(ctx context.Context, req kafka.Request) (body []byte) {
	started := time.Now()

	var status int
	defer func() {
		if rec := recover(); rec != nil {
			body, status = r.failure(req, fmt.Errorf("panic while handling request: %v", rec))
		}
		r.metrics.RecordRequest(req.Pattern, status, time.Since(started))
	}()

	if req.Pattern == PatternCreateOrder && req.IdempotencyKey != "" && r.idem != nil {
		body, status = r.dispatchIdempotent(ctx, req)
	} else {
		body, status = r.dispatch(ctx, req)
	}
	return body
}

// dispatch исполняет запрос; status равен 0 для успешного ответа.
func (r *Router) dispatch(ctx context.Context, req kafka.Request) ([]byte, int) {
	result, err := r.handle(ctx, req)
	if err != nil {
		return r.failure(req, err)
	}

	body, err := kafka.EncodeData(result)
	if err != nil {
		return r.failure(req, err)
	}
	return body, 0
}

func (r *Router) handle(ctx context.Context, req kafka.Request) (any, error) {
	switch req.Pattern {
	case PatternCreateOrder:
		in, err := decodeCreateOrder(req.Payload)
		if err != nil {
			return nil, err
		}
		return r.engine.Create(ctx, in)
	case PatternFindAllOrders:
		query, err := decodeListQuery(req.Payload)
		if err != nil {
			return nil, err
		}
		return r.engine.List(ctx, query)
	case PatternFindOneOrder:
		id, err := decodeOrderID(req.Payload)
		if err != nil {
			return nil, err
		}
		return r.engine.Get(ctx, id)
	case PatternChangeOrderStatus:
		id, status, err := decodeChangeStatus(req.Payload)
		if err != nil {
			return nil, err
		}
		return r.engine.ChangeStatus(ctx, id, status)
	default:
		return nil, fmt.Errorf("%w: unknown pattern %q", errBadPayload, req.Pattern)
	}
}

func (r *Router) failure(req kafka.Request, err error) ([]byte, int) {
	status, message := classify(err)
	entry := r.logger.WithError(err).WithFields(log.Fields{
		"pattern":        req.Pattern,
		"correlation_id": req.CorrelationID,
		"status":         status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	return kafka.EncodeError(status, message), status
}

// classify переводит доменную ошибку в класс статуса и сообщение ответа.
func classify(err error) (int, string) {
	switch {
	case domain.IsIdempotencyConflict(err):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errBadPayload), domain.IsBadRequest(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, domain.ErrUpstreamUnavailable.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// dispatchIdempotent исполняет createOrder не более одного раза на ключ.
// Повтор с тем же телом получает сохранённый ответ, с другим телом или во время обработки — 409.
func (r *Router) dispatchIdempotent(ctx context.Context, req kafka.Request) ([]byte, int) {
	in, err := decodeCreateOrder(req.Payload)
	if err != nil {
		return r.failure(req, err)
	}

	hash, err := requestHash(req.Pattern, in)
	if err != nil {
		return r.failure(req, err)
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	entry := r.logger.WithFields(log.Fields{
		"idempotency_key": key,
		"correlation_id":  req.CorrelationID,
	})

	record, err := r.idem.CreateProcessing(ctx, key, hash, r.now().Add(r.idemTTL))
	if err != nil {
		return r.replay(req, record, err)
	}

	view, runErr := r.engine.Create(ctx, in)
	if runErr != nil {
		body, status := r.failure(req, runErr)
		if markErr := r.idem.MarkFailed(ctx, key, body, status); markErr != nil {
			entry.WithError(markErr).Warn("failed to store idempotency failure response")
		}
		return body, status
	}

	body, err := kafka.EncodeData(view)
	if err != nil {
		return r.failure(req, err)
	}
	if markErr := r.idem.MarkDone(ctx, key, body, 0); markErr != nil {
		entry.WithError(markErr).Warn("failed to store idempotent success response")
	}
	return body, 0
}

func (r *Router) replay(req kafka.Request, record domain.IdempotencyRecord, createErr error) ([]byte, int) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		r.metrics.RecordIdempotency("conflict")
		return r.failure(req, fmt.Errorf("%w: key %q", domain.ErrIdempotencyHashMismatch, req.IdempotencyKey))
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			if !record.Replayable() {
				return r.failure(req, errors.New("idempotency cache is empty"))
			}
			r.metrics.RecordIdempotency("replay")
			return record.ResponseBody, record.StatusCode
		case domain.IdempotencyStatusProcessing, "":
			// Пустой статус: ключ занят, но запись прочитать не удалось.
			r.metrics.RecordIdempotency("in_progress")
			return r.failure(req, fmt.Errorf("%w: request is still processing", domain.ErrIdempotencyKeyAlreadyExists))
		default:
			return r.failure(req, fmt.Errorf("unknown idempotency record status %q", record.Status))
		}
	default:
		return r.failure(req, fmt.Errorf("create idempotency record: %w", createErr))
	}
}

type createOrderPayload struct {
	Items []orders.CreateItemInput `json:"items"`
}

type listOrdersPayload struct {
	Status *string `json:"status"`
	Page   *int    `json:"page"`
	Limit  *int    `json:"limit"`
}

type orderIDPayload struct {
	ID string `json:"id"`
}

type changeStatusPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func decodeCreateOrder(payload []byte) (orders.CreateOrderInput, error) {
	var body createOrderPayload
	if err := decodePayload(payload, &body); err != nil {
		return orders.CreateOrderInput{}, err
	}
	in := orders.CreateOrderInput{Items: body.Items}
	if err := in.Validate(); err != nil {
		return orders.CreateOrderInput{}, err
	}
	return in, nil
}

func decodeListQuery(payload []byte) (domain.ListQuery, error) {
	var body listOrdersPayload
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := decodePayload(payload, &body); err != nil {
			return domain.ListQuery{}, err
		}
	}

	var query domain.ListQuery
	if body.Status != nil {
		status, err := domain.ParseOrderStatus(*body.Status)
		if err != nil {
			return domain.ListQuery{}, err
		}
		query.Status = &status
	}
	if body.Page != nil {
		if *body.Page < 1 {
			return domain.ListQuery{}, domain.ErrInvalidPage
		}
		query.Page = *body.Page
	}
	if body.Limit != nil {
		if *body.Limit < 1 {
			return domain.ListQuery{}, domain.ErrInvalidPageLimit
		}
		query.Limit = *body.Limit
	}
	return query, nil
}

// decodeOrderID принимает {"id": "..."} или голую JSON-строку.
func decodeOrderID(payload []byte) (string, error) {
	trimmed := bytes.TrimSpace(payload)
	var id string
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return "", fmt.Errorf("%w: %v", errBadPayload, err)
		}
	} else {
		var body orderIDPayload
		if err := decodePayload(payload, &body); err != nil {
			return "", err
		}
		id = body.ID
	}
	return validateOrderID(id)
}

func decodeChangeStatus(payload []byte) (string, domain.OrderStatus, error) {
	var body changeStatusPayload
	if err := decodePayload(payload, &body); err != nil {
		return "", "", err
	}
	id, err := validateOrderID(body.ID)
	if err != nil {
		return "", "", err
	}
	status, err := domain.ParseOrderStatus(body.Status)
	if err != nil {
		return "", "", err
	}
	return id, status, nil
}

func validateOrderID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrOrderIDRequired
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidOrderID, raw)
	}
	return id.String(), nil
}

func decodePayload(payload []byte, dst any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: empty body", errBadPayload)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

// requestHash строит отпечаток нормализованного запроса: pattern + JSON входа.
func requestHash(pattern string, in orders.CreateOrderInput) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal request for hash: %w", err)
	}

	payload := make([]byte, 0, len(pattern)+1+len(data))
	payload = append(payload, pattern...)
	payload = append(payload, ':')
	payload = append(payload, data...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

var _ kafka.Dispatcher = (*Router)(nil)
