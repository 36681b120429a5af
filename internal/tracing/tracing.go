// Package tracing настраивает OpenTelemetry для сервиса.
package tracing

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config описывает экспорт трейсов.
type Config struct {
	ServiceName string
	Version     string
	// Endpoint адрес OTLP/gRPC коллектора; пустой отключает экспорт.
	Endpoint    string
	Probability float64
}

// ShutdownFunc сбрасывает буфер спанов и закрывает экспортёр.
type ShutdownFunc func(ctx context.Context) error

// InitTracing регистрирует глобальный TracerProvider.
// Без Endpoint устанавливается noop-провайдер.
func InitTracing(ctx context.Context, logger *log.Entry, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	if logger == nil {
		logger = log.WithField("component", "tracing")
	}

	if cfg.Endpoint == "" {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		logger.Debug("tracing disabled: otlp endpoint is not set")
		return tp, func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability(cfg.Probability)))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.WithFields(log.Fields{
		"endpoint": cfg.Endpoint,
		"service":  cfg.ServiceName,
	}).Info("tracing enabled")

	return tp, tp.Shutdown, nil
}

func probability(p float64) float64 {
	if p <= 0 || p > 1 {
		return 1
	}
	return p
}
