// Package observability wires OpenTelemetry tracing and RED metrics
// (rate, errors, duration) for the gateway, and builds the process logger.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "openport.gateway"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns telemetry defaults. Telemetry is off until enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "openport",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers and the gateway's
// instruments. A disabled Provider records into no-op instruments.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests  metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
	active    metric.Int64UpDownCounter
	decisions metric.Int64Counter
}

// New builds a Provider. When cfg is disabled the global no-op providers
// are used and nothing is exported.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "observability")
	if !cfg.Enabled {
		logger.InfoContext(ctx, "telemetry disabled")
		return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.cfg = cfg
	p.tracerProvider = tp
	p.meterProvider = mp

	logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

// NewWithProviders builds a Provider over existing providers. Shutdown
// leaves them running.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		tracer: tp.Tracer(instrumentation),
		meter:  mp.Meter(instrumentation),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("openport.requests.total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("openport.errors.total",
		metric.WithDescription("Total number of HTTP requests that failed"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("openport.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("openport.requests.active",
		metric.WithDescription("Number of requests in flight"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	p.decisions, err = p.meter.Int64Counter("openport.agent.decisions",
		metric.WithDescription("Agent action outcomes by action and outcome"),
		metric.WithUnit("{decision}"),
	)
	return err
}

// Shutdown flushes and stops providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// TrackRequest starts a server span for one HTTP request and counts it as
// in flight. The returned func ends the span and records the outcome; a
// status of 500 or above counts as an error.
func (p *Provider) TrackRequest(ctx context.Context, method, route string) (context.Context, func(status int)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
	}
	ctx, span := p.tracer.Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	p.active.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(status int) {
		p.active.Add(ctx, -1, metric.WithAttributes(attrs...))
		done := append(attrs, attribute.Int("http.response.status_code", status))
		p.requests.Add(ctx, 1, metric.WithAttributes(done...))
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(done...))
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= 500 {
			p.errors.Add(ctx, 1, metric.WithAttributes(done...))
			span.SetStatus(codes.Error, strconv.Itoa(status))
		}
		span.End()
	}
}

// RecordDecision counts one agent action outcome: "draft", "executed",
// "replayed", "failed", or a denial code.
func (p *Provider) RecordDecision(ctx context.Context, action, outcome string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("openport.action", action),
		attribute.String("openport.outcome", outcome),
	))
}
