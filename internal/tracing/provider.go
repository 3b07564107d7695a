package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the OpenTelemetry tracer provider with additional functionality.
type Provider struct {
	tp       *sdktrace.TracerProvider
	config   *TracingConfig
	shutdown sync.Once
	mu       sync.RWMutex
	healthy  bool
}

var (
	globalProvider *Provider
	globalMu       sync.RWMutex
)

// InitTracing initializes the OpenTelemetry tracing provider with the given
// configuration. Returns a Provider and a cleanup function.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*Provider, func(), error) {
	if cfg == nil {
		cfg = &TracingConfig{Enabled: false}
	}

	if err := cfg.ValidateConfig(); err != nil {
		return nil, nil, fmt.Errorf("invalid tracing configuration: %w", err)
	}

	if !cfg.Enabled {
		noopTP := trace.NewNoopTracerProvider()
		otel.SetTracerProvider(noopTP)
		return &Provider{config: cfg, healthy: true}, func() {}, nil
	}

	res, err := createResource(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	sampler := createSampler(cfg.SamplingRate)

	bsp := sdktrace.NewBatchSpanProcessor(exporter,
		sdktrace.WithMaxQueueSize(cfg.BatchConfig.MaxQueueSize),
		sdktrace.WithBatchTimeout(time.Duration(cfg.BatchConfig.BatchTimeoutMs)*time.Millisecond),
		sdktrace.WithExportTimeout(time.Duration(cfg.BatchConfig.ExportTimeoutMs)*time.Millisecond),
		sdktrace.WithMaxExportBatchSize(cfg.BatchConfig.MaxExportBatchSize),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider := &Provider{tp: tp, config: cfg, healthy: true}

	globalMu.Lock()
	globalProvider = provider
	globalMu.Unlock()

	cleanup := func() {
		provider.Shutdown(context.Background())
	}

	slog.Info("tracing initialized",
		"service_name", cfg.ServiceName,
		"exporter_type", cfg.ExporterType,
		"sampling_rate", cfg.SamplingRate,
	)

	return provider, cleanup, nil
}

func createResource(ctx context.Context, cfg *TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	for key, value := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeDescription(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
}

func createExporter(cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterTypeConsole:
		return stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithWriter(os.Stdout),
		)
	case ExporterTypeNone:
		return &noopExporter{}, nil
	default:
		return &noopExporter{}, nil
	}
}

func createSampler(rate float64) sdktrace.Sampler {
	if rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown gracefully shuts down the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) {
	p.shutdown.Do(func() {
		p.mu.Lock()
		p.healthy = false
		p.mu.Unlock()

		if p.tp != nil {
			if err := p.tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer provider", "error", err)
			}
		}

		globalMu.Lock()
		if globalProvider == p {
			globalProvider = nil
		}
		globalMu.Unlock()
	})
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.tp != nil {
		return p.tp.Tracer(name, opts...)
	}
	return otel.Tracer(name, opts...)
}

// IsHealthy returns whether the tracing provider is healthy.
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// Config returns the tracing configuration.
func (p *Provider) Config() *TracingConfig {
	return p.config
}

// ForceFlush forces a flush of all pending spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.ForceFlush(ctx)
	}
	return nil
}

// GetGlobalProvider returns the global tracing provider.
func GetGlobalProvider() *Provider {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalProvider
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (e *noopExporter) Shutdown(ctx context.Context) error {
	return nil
}
