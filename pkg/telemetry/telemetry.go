package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher built from one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	server *MetricsServer
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every component. The log file, if
// any, is closed again when a later component fails.
func NewTelemetry(cfg *Config) (_ *Telemetry, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = t.Logger.Close()
		}
	}()

	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer starts the /metrics endpoint once; later calls return the same server.
// It returns nil when metrics are disabled.
func (t *Telemetry) StartMetricsServer() *MetricsServer {
	if t.server == nil {
		t.server = t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics"))
	}
	return t.server
}

// Shutdown drains events, flushes spans, stops the metrics server and closes
// the log file, joining every error.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.server.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// Operation is a traced, logged unit of work outside the engine, such as a
// DLQ sweep or a history prune.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	name    string
	started time.Time
}

// StartOperation opens a span named name when ctx carries Telemetry.
// The returned Ctx carries the span and a logger tagged with the trace IDs.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Logger: FromContext(ctx), name: name, started: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}
	op.Ctx, op.Span = tel.Tracer.StartSpan(ctx, name, attrs...)
	op.Logger = tel.Logger.WithField("operation", name)
	if sc := op.Span.SpanContext(); sc.IsValid() {
		op.Logger = op.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	op.Ctx = op.Logger.WithContext(op.Ctx)
	return op
}

// Elapsed returns the time since StartOperation.
func (op *Operation) Elapsed() time.Duration {
	return time.Since(op.started)
}

// End closes the span with err's status and logs the outcome at debug level.
func (op *Operation) End(err error) {
	logger := op.Logger.WithField("duration", op.Elapsed().String())
	if err != nil {
		logger.WithError(err).Debug("Operation failed")
	} else {
		logger.Debug("Operation finished")
	}
	if op.Span == nil {
		return
	}
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}
