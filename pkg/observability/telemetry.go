// Package observability wires OpenTelemetry tracing and metrics for the
// orchestration engine. Exporters are pluggable; without them every call is
// a no-op.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// MeterName is the instrumentation scope of the engine metrics.
const MeterName = "github.com/plaenen/flowhs"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives sampled spans. Nil disables tracing.
	TraceExporter   sdktrace.SpanExporter
	TraceSampleRate float64

	// MetricReader collects the engine metrics. Nil disables metrics and
	// leaves Telemetry.Metrics nil.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry holds the providers built by Init.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics

	logger    *slog.Logger
	shutdowns []func(context.Context) error
}

// Init installs the global providers and the W3C propagator. A provider
// whose exporter is missing stays a no-op.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		logger:         logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.TraceSampleRate))),
		)
		tel.TracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(MeterName))
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, err
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "telemetry initialized",
		slog.Bool("tracing", cfg.TraceExporter != nil),
		slog.Bool("metrics", cfg.MetricReader != nil),
		slog.Float64("sample_rate", cfg.TraceSampleRate),
	)
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// OnShutdown registers fn to run after the providers are stopped.
func (t *Telemetry) OnShutdown(fn func(context.Context) error) {
	t.shutdowns = append(t.shutdowns, fn)
}

// Shutdown flushes and stops the providers, then runs the OnShutdown hooks.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range t.shutdowns {
		errs = append(errs, shutdown(ctx))
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
