// Package catalog содержит обёртки над Product Resolver: таймаут, circuit breaker
// и статический каталог для локального запуска.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
)

const (
	defaultResolveTimeout = 3 * time.Second
	defaultMaxFailures    = 5
	defaultResetTimeout   = 10 * time.Second
)

// Option настраивает GuardedResolver.
type Option func(*GuardedResolver)

// WithTimeout задаёт таймаут одного вызова каталога.
func WithTimeout(timeout time.Duration) Option {
	return func(r *GuardedResolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithCircuitBreaker подменяет circuit breaker.
func WithCircuitBreaker(breaker *CircuitBreaker) Option {
	return func(r *GuardedResolver) {
		if breaker != nil {
			r.breaker = breaker
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(r *GuardedResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// GuardedResolver ограничивает вызовы каталога по времени и размыкает цепь при
// повторяющихся отказах. Все ошибки, кроме ErrProductNotFound, приводятся к
// domain.ErrUpstreamUnavailable.
type GuardedResolver struct {
	next    domain.ProductResolver
	timeout time.Duration
	breaker *CircuitBreaker
	logger  *log.Entry
}

// NewGuardedResolver оборачивает resolver.
func NewGuardedResolver(next domain.ProductResolver, opts ...Option) *GuardedResolver {
	r := &GuardedResolver{
		next:    next,
		timeout: defaultResolveTimeout,
		logger:  log.WithField("component", "catalog-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = NewCircuitBreaker(defaultMaxFailures, defaultResetTimeout, r.logger)
	}
	return r
}

// Resolve вызывает каталог не дольше настроенного таймаута.
func (r *GuardedResolver) Resolve(ctx context.Context, productIDs []string) ([]domain.ProductRef, error) {
	var products []domain.ProductRef

	err := r.breaker.Execute("resolve", func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var err error
		products, err = r.next.Resolve(callCtx, productIDs)
		return err
	}, isUpstreamFailure)
	if err == nil {
		return products, nil
	}

	if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrUpstreamUnavailable) {
		return nil, err
	}
	if errors.Is(err, ErrCircuitOpen) {
		r.logger.WithField("products", len(productIDs)).Warn("catalog call short-circuited")
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
}

// Healthy сообщает об ошибке, пока цепь к каталогу разомкнута.
func (r *GuardedResolver) Healthy(context.Context) error {
	if r.breaker.State() == CircuitOpen {
		return ErrCircuitOpen
	}
	return nil
}

// isUpstreamFailure: отсутствие товаров — ответ каталога, а не его отказ.
func isUpstreamFailure(err error) bool {
	return !errors.Is(err, domain.ErrProductNotFound)
}

var _ domain.ProductResolver = (*GuardedResolver)(nil)
