package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
)

const (
	defaultInterval   = 10 * time.Minute
	defaultBatchSize  = 500
	defaultMaxBatches = 50
)

// Options задаёт параметры Sweeper.
type Options struct {
	Logger     *log.Entry
	Metrics    *metrics.OrderMetrics
	Clock      func() time.Time
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
	Grace      time.Duration
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики очистки.
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

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт число ключей, удаляемых одним запросом.
func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// WithMaxBatches ограничивает число удалений за один проход.
// Остаток дочищается следующим проходом сразу, без ожидания интервала.
func WithMaxBatches(n int) Option {
	return func(opts *Options) {
		opts.MaxBatches = n
	}
}

// WithGrace откладывает удаление ключа на grace после истечения его TTL,
// чтобы повтор createOrder на границе TTL ещё получил сохранённый ответ.
func WithGrace(grace time.Duration) Option {
	return func(opts *Options) {
		opts.Grace = grace
	}
}

// Report — итог одного прохода очистки.
type Report struct {
	Deleted int
	Batches int
	// Truncated означает, что проход упёрся в MaxBatches и ключи ещё остались.
	Truncated bool
}

// Sweeper удаляет просроченные ключи идемпотентности createOrder.
type Sweeper struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.OrderMetrics
	now        func() time.Time
	interval   time.Duration
	batchSize  int
	maxBatches int
	grace      time.Duration
}

// NewSweeper создаёт Sweeper.
func NewSweeper(repo domain.IdempotencyRepository, options ...Option) *Sweeper {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-sweeper")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}

	return &Sweeper{
		repo:       repo,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Clock,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		maxBatches: opts.MaxBatches,
		grace:      opts.Grace,
	}
}

// Run чистит ключи до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency sweeper is disabled: repo is nil")
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

		wait := s.interval
		report, err := s.Sweep(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			s.metrics.RecordCleanupRun("error", report.Deleted)
			s.logger.WithError(err).WithField("deleted", report.Deleted).Warn("idempotency sweep failed")
		default:
			s.metrics.RecordCleanupRun("ok", report.Deleted)
			if report.Deleted > 0 {
				s.logger.WithFields(log.Fields{
					"deleted":   report.Deleted,
					"batches":   report.Batches,
					"truncated": report.Truncated,
				}).Info("expired idempotency keys removed")
			}
			if report.Truncated {
				wait = 0
			}
		}
		timer.Reset(wait)
	}
}

// Sweep удаляет ключи с TTL старше now-grace, не больше MaxBatches пачек.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	before := s.now().Add(-s.grace)

	var report Report
	for report.Batches < s.maxBatches {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		deleted, err := s.repo.DeleteExpired(ctx, before, s.batchSize)
		if err != nil {
			return report, err
		}
		report.Batches++
		report.Deleted += deleted
		s.metrics.RecordCleanupDeleted(deleted)

		if deleted < s.batchSize {
			return report, nil
		}
	}
	report.Truncated = true
	return report, nil
}
