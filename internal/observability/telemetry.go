// Package observability wires up OpenTelemetry tracing, Prometheus metrics,
// and structured logging for the WIP servers.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry holds the process-wide tracer/meter providers and the handful
// of cross-cutting metrics every WIP server records regardless of which
// role (weather/location/query/report) it plays.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	logger         *zap.Logger

	PacketCounter       metric.Int64Counter
	PacketDuration      metric.Float64Histogram
	ErrorCounter        metric.Int64Counter
	BackendCallDuration metric.Float64Histogram
	CacheHitCounter     metric.Int64Counter
	CacheMissCounter    metric.Int64Counter
}

// Config mirrors ObservabilityConfig in internal/config so callers can pass
// it through without an extra conversion step at the call site.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
}

// InitTelemetry creates the tracer and meter providers, registers them as
// the process-wide otel defaults, and pre-declares the metrics every WIP
// server emits.
func InitTelemetry(ctx context.Context, cfg Config, logger *zap.Logger) (*Telemetry, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tracerProvider, err := initTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracer provider: %w", err)
	}

	meterProvider, err := initMeterProvider(res)
	if err != nil {
		return nil, fmt.Errorf("failed to init meter provider: %w", err)
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meter := meterProvider.Meter(cfg.ServiceName)

	packetCounter, err := meter.Int64Counter(
		"wip_packets_total",
		metric.WithDescription("Total number of WIP datagrams handled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	packetDuration, err := meter.Float64Histogram(
		"wip_packet_duration_seconds",
		metric.WithDescription("End-to-end datagram handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"wip_errors_total",
		metric.WithDescription("Total number of Type-7 error responses emitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	backendCallDuration, err := meter.Float64Histogram(
		"wip_backend_call_duration_seconds",
		metric.WithDescription("Duration of a proxy call to a backend server"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cacheHitCounter, err := meter.Int64Counter(
		"wip_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheMissCounter, err := meter.Int64Counter(
		"wip_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		TracerProvider:      tracerProvider,
		MeterProvider:       meterProvider,
		Tracer:              tracerProvider.Tracer(cfg.ServiceName),
		Meter:               meter,
		logger:              logger,
		PacketCounter:       packetCounter,
		PacketDuration:      packetDuration,
		ErrorCounter:        errorCounter,
		BackendCallDuration: backendCallDuration,
		CacheHitCounter:     cacheHitCounter,
		CacheMissCounter:    cacheMissCounter,
	}, nil
}

func initTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	return tp, nil
}

func initMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	return mp, nil
}

// RecordPacket records one handled datagram: its packet type, whether it
// ended in an error, and how long handling took.
func (t *Telemetry) RecordPacket(ctx context.Context, packetType string, errored bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("packet_type", packetType),
		attribute.Bool("error", errored),
	}

	t.PacketCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.PacketDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if errored {
		t.ErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBackendCall records one proxy->backend round trip.
func (t *Telemetry) RecordBackendCall(ctx context.Context, backend string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.Bool("error", err != nil),
	}

	t.BackendCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		t.ErrorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", "backend"),
			attribute.String("backend", backend),
		))
	}
}

func (t *Telemetry) RecordCacheHit(ctx context.Context, key string) {
	t.CacheHitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (t *Telemetry) RecordCacheMiss(ctx context.Context, key string) {
	t.CacheMissCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

// Shutdown flushes and stops the tracer and meter providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.TracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	if err := t.MeterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}

	return nil
}
