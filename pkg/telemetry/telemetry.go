// Package telemetry provides OpenTelemetry OTLP gRPC export integration
// for import and query observability.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures the OTLP gRPC exporter.
type Config struct {
	// Enabled turns telemetry export on. When false every operation is a
	// no-op and no connection is attempted.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC endpoint (e.g. "localhost:4317").
	Endpoint string `yaml:"endpoint"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name"`

	// Environment is the deployment environment.
	Environment string `yaml:"environment"`

	// InsecureTLS disables TLS for the gRPC connection (local dev).
	InsecureTLS bool `yaml:"insecure_tls"`

	// BatchTimeout is how long to wait before sending a batch of spans.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// SamplingRatio is the fraction of traces to sample (0.0 to 1.0).
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(serviceName string) Config {
	return Config{
		Endpoint:      "localhost:4317",
		ServiceName:   serviceName,
		Environment:   "development",
		InsecureTLS:   true,
		BatchTimeout:  5 * time.Second,
		SamplingRatio: 1.0,
	}
}

// Telemetry records spans and counters for the engine's operations.
// The zero value (and a nil pointer) is safe and does nothing.
type Telemetry struct {
	mu sync.Mutex

	cfg      Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider

	stagesCompleted atomic.Int64
	queriesExecuted atomic.Int64
}

// New creates a telemetry handle. If cfg.Enabled is false the handle is
// inert.
func New(cfg Config) *Telemetry {
	return &Telemetry{cfg: cfg}
}

// Init connects the exporter and installs the global tracer provider.
// The returned shutdown func flushes and closes the exporter.
func (t *Telemetry) Init(ctx context.Context) (func(context.Context) error, error) {
	if t == nil || !t.cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var dialOpts []grpc.DialOption
	if t.cfg.InsecureTLS {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(t.cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(t.cfg.ServiceName),
		semconv.DeploymentEnvironment(t.cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(t.cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.cfg.SamplingRatio)),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	t.tracer = t.provider.Tracer(t.cfg.ServiceName)
	return t.provider.Shutdown, nil
}

// StartSpan starts a span if telemetry is enabled.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ObserveStage records one completed import stage.
func (t *Telemetry) ObserveStage(ctx context.Context, stage string, elapsed time.Duration) {
	if t == nil {
		return
	}
	t.stagesCompleted.Add(1)
	if t.tracer != nil {
		_, span := t.tracer.Start(ctx, "statflow.import.stage",
			trace.WithAttributes(
				attribute.String("statflow.stage", stage),
				attribute.Int64("statflow.stage.millis", elapsed.Milliseconds()),
			))
		span.End()
	}
}

// ObserveQuery records one executed criteria query.
func (t *Telemetry) ObserveQuery(ctx context.Context, versionID string, rows int64, elapsed time.Duration) {
	if t == nil {
		return
	}
	t.queriesExecuted.Add(1)
	if t.tracer != nil {
		_, span := t.tracer.Start(ctx, "statflow.query.execute",
			trace.WithAttributes(
				attribute.String("statflow.version", versionID),
				attribute.Int64("statflow.query.rows_returned", rows),
				attribute.Int64("statflow.query.millis", elapsed.Milliseconds()),
			))
		span.End()
	}
}

// StagesCompleted returns the number of completed stages since start.
func (t *Telemetry) StagesCompleted() int64 {
	if t == nil {
		return 0
	}
	return t.stagesCompleted.Load()
}

// QueriesExecuted returns the number of executed queries since start.
func (t *Telemetry) QueriesExecuted() int64 {
	if t == nil {
		return 0
	}
	return t.queriesExecuted.Load()
}
