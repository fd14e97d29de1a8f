package telemetry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID     = attribute.Key("run.id")
	AttrRunStatus = attribute.Key("run.status")

	AttrStage   = attribute.Key("stage.name")
	AttrAttempt = attribute.Key("stage.attempt")
	AttrMode    = attribute.Key("stage.mode")

	AttrErrorKind = attribute.Key("error.kind")
	AttrErrorCode = attribute.Key("error.code")
	AttrBackoff   = attribute.Key("retry.backoff_ms")
)

const (
	runSpanName     = "pipeline.run"
	stageSpanPrefix = "stage."
)

// Tracer opens one span per pipeline run and a child span per stage attempt.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

type exporterFactory func(cfg *Config) (sdktrace.SpanExporter, error)

// exporters maps TracingConfig.Exporter to its constructor. "none" samples without exporting.
var exporters = map[string]exporterFactory{
	"otlp":   newOTLPExporter,
	"stdout": newStderrExporter,
	"none":   func(*Config) (sdktrace.SpanExporter, error) { return nil, nil },
}

// NewTracer builds the tracer provider described by cfg.Tracing and installs it globally.
// With tracing disabled the provider never samples and nothing is installed.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return NewTracerFromProvider(
			sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())),
			cfg.ServiceName,
		), nil
	}

	factory, ok := exporters[tc.Exporter]
	if !ok {
		return nil, fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
	}
	exporter, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize),
			sdktrace.WithExportTimeout(tc.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return NewTracerFromProvider(provider, cfg.ServiceName), nil
}

// NewTracerFromProvider wraps an existing provider, e.g. one with a span recorder.
func NewTracerFromProvider(provider *sdktrace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}
}

// resourceAttributes returns the service identity followed by the configured
// extra attributes in key order.
func resourceAttributes(cfg *Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	keys := make([]string, 0, len(cfg.ResourceAttributes))
	for k := range cfg.ResourceAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.ResourceAttributes[k]))
	}
	return attrs
}

func newOTLPExporter(cfg *Config) (sdktrace.SpanExporter, error) {
	tc := cfg.Tracing
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(tc.Endpoint),
		otlptracegrpc.WithTimeout(tc.ExportTimeout),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)),
	}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// newStderrExporter pretty-prints spans to stderr; stdout carries command output.
func newStderrExporter(*Config) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
}

// StartSpan starts a free-standing operation span.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a pipeline run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(AttrRunID.String(runID)))
	return t.tracer.Start(ctx, runSpanName, opts...)
}

// StartStageSpan starts the span of one stage attempt; ctx should carry the run span.
func (t *Tracer) StartStageSpan(ctx context.Context, runID, stage string, attempt int, mode string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(
		AttrRunID.String(runID),
		AttrStage.String(stage),
		AttrAttempt.Int(attempt),
		AttrMode.String(mode),
	))
	return t.tracer.Start(ctx, stageSpanPrefix+stage, opts...)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

func (t *Tracer) ForceFlush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}
