package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/breaker"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *eventSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder, *eventSink) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	metrics, err := NewMetrics(cfg.Metrics)
	require.NoError(t, err)

	events, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	require.NoError(t, err)
	sink := &eventSink{}
	events.Subscribe(sink.add, nil)

	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  NewTracerFromProvider(provider, "test"),
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, recorder, sink
}

func endedByName(recorder *tracetest.SpanRecorder) map[string][]sdktrace.ReadOnlySpan {
	out := make(map[string][]sdktrace.ReadOnlySpan)
	for _, s := range recorder.Ended() {
		out[s.Name()] = append(out[s.Name()], s)
	}
	return out
}

func TestObserverRunLifecycle(t *testing.T) {
	tel, recorder, sink := newTestTelemetry(t)
	obs := NewObserver(tel)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := func(attempt int, offset time.Duration) engine.StageEvent {
		return engine.StageEvent{RunID: "run-1", Stage: "convert", Attempt: attempt, Mode: engine.ModeDirect, Timestamp: start.Add(offset)}
	}

	obs.StageStarted(ev(1, 0))
	assert.Equal(t, 1, obs.ActiveRuns())
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.activeRuns))

	retry := ev(1, time.Second)
	retry.Duration = time.Second
	retry.Backoff = 200 * time.Millisecond
	retry.Err = engine.NewExecutionError("disk busy", nil)
	obs.StageRetrying(retry)

	obs.StageStarted(ev(2, 2*time.Second))
	done := ev(2, 3*time.Second)
	done.Duration = time.Second
	obs.StageSucceeded(done)

	obs.StageFailed(engine.StageEvent{
		RunID:     "run-1",
		Stage:     "mosaic",
		Mode:      engine.ModeIsolated,
		Timestamp: start.Add(3 * time.Second),
		Err:       engine.NewValidationError("no images"),
	})

	obs.PipelineCompleted(&engine.PipelineResult{
		RunID:      "run-1",
		Status:     engine.PipelineStatusPartial,
		StartedAt:  start,
		FinishedAt: start.Add(4 * time.Second),
	})

	spans := endedByName(recorder)
	require.Len(t, spans["pipeline.run"], 1)
	require.Len(t, spans["stage.convert"], 2)
	assert.Empty(t, spans["stage.mosaic"])

	run := spans["pipeline.run"][0]
	assert.Equal(t, start, run.StartTime())
	assert.Equal(t, start.Add(4*time.Second), run.EndTime())
	for _, s := range spans["stage.convert"] {
		assert.Equal(t, run.SpanContext().SpanID(), s.Parent().SpanID())
		assert.Equal(t, run.SpanContext().TraceID(), s.SpanContext().TraceID())
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.stageAttempts.WithLabelValues("convert", "direct", "retrying")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.stageAttempts.WithLabelValues("convert", "direct", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.stageRetries.WithLabelValues("convert", "ExecutionFailed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.errorsByKind.WithLabelValues("ExecutionFailed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.errorsByKind.WithLabelValues("ValidationFailed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeValidation)))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.runsCompleted.WithLabelValues("Partial")))
	assert.Equal(t, float64(0), testutil.ToFloat64(tel.Metrics.activeRuns))
	assert.Equal(t, 0, obs.ActiveRuns())

	assert.Equal(t, []string{
		EventTypeStageStarted,
		EventTypeStageRetrying,
		EventTypeStageStarted,
		EventTypeStageSucceeded,
		EventTypeStageFailed,
		EventTypeRunCompleted,
	}, sink.types())
	assert.Equal(t, EventLevelWarning, sink.last().Level)
	assert.Equal(t, "contimg", sink.last().Source)
}

func TestObserverFailedRun(t *testing.T) {
	tel, recorder, sink := newTestTelemetry(t)
	obs := NewObserver(tel)

	start := time.Now()
	obs.StageStarted(engine.StageEvent{RunID: "run-2", Stage: "image", Attempt: 1, Mode: engine.ModeIsolated, Timestamp: start})
	obs.StageFailed(engine.StageEvent{
		RunID:     "run-2",
		Stage:     "image",
		Attempt:   1,
		Mode:      engine.ModeIsolated,
		Timestamp: start.Add(time.Second),
		Err:       engine.NewTimeoutError("stage exceeded 1s", nil),
	})
	cause := engine.NewTimeoutError("stage exceeded 1s", nil).WithStage("image")
	obs.PipelineCompleted(&engine.PipelineResult{
		RunID:      "run-2",
		Status:     engine.PipelineStatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Err:        cause,
	})

	spans := endedByName(recorder)
	require.Len(t, spans["stage.image"], 1)
	stage := spans["stage.image"][0]
	assert.Equal(t, "Error", stage.Status().Code.String())
	assert.Contains(t, stage.Attributes(), AttrErrorKind.String("Timeout"))
	assert.Contains(t, stage.Attributes(), AttrErrorCode.String(engine.ErrCodeTimeout))

	require.Len(t, spans["pipeline.run"], 1)
	assert.Contains(t, spans["pipeline.run"][0].Attributes(), AttrRunStatus.String("Failed"))

	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.stageAttempts.WithLabelValues("image", "isolated", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.runsCompleted.WithLabelValues("Failed")))

	last := sink.last()
	assert.Equal(t, EventTypeRunFailed, last.Type)
	assert.Equal(t, EventLevelError, last.Level)
	assert.Equal(t, cause.Error(), last.Data["error"])
}

func TestObserverRunWithoutAttempts(t *testing.T) {
	tel, recorder, _ := newTestTelemetry(t)
	obs := NewObserver(tel)

	start := time.Now()
	obs.PipelineCompleted(&engine.PipelineResult{
		RunID:      "run-3",
		Status:     engine.PipelineStatusFailed,
		StartedAt:  start,
		FinishedAt: start,
		Err:        engine.NewValidationError("missing input").WithStage("convert"),
	})
	obs.PipelineCompleted(nil)

	spans := endedByName(recorder)
	require.Len(t, spans["pipeline.run"], 1)
	assert.Equal(t, float64(0), testutil.ToFloat64(tel.Metrics.activeRuns))
	assert.Equal(t, 0, obs.ActiveRuns())
}

func TestObserverBreakerHook(t *testing.T) {
	tel, _, sink := newTestTelemetry(t)
	obs := NewObserver(tel)
	hook := obs.BreakerHook()

	hook("casa", breaker.Closed, breaker.Open)
	assert.Equal(t, float64(breaker.Open), testutil.ToFloat64(tel.Metrics.breakerState.WithLabelValues("casa")))
	assert.Equal(t, EventLevelWarning, sink.last().Level)

	hook("casa", breaker.Open, breaker.HalfOpen)
	hook("casa", breaker.HalfOpen, breaker.Closed)
	assert.Equal(t, float64(0), testutil.ToFloat64(tel.Metrics.breakerState.WithLabelValues("casa")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.breakerTransitions.WithLabelValues("casa", "closed", "open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.breakerTransitions.WithLabelValues("casa", "half_open", "closed")))

	last := sink.last()
	assert.Equal(t, EventTypeBreakerStateChanged, last.Type)
	assert.Equal(t, EventLevelInfo, last.Level)
	assert.Equal(t, "closed", last.Data["to"])
}

func TestObserverBreakerRegistryWiring(t *testing.T) {
	tel, _, _ := newTestTelemetry(t)
	obs := NewObserver(tel)

	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 1
	registry, err := breaker.NewRegistry(cfg)
	require.NoError(t, err)
	registry.OnStateChange(obs.BreakerHook())

	registry.RecordFailure(context.Background(), "wsclean")
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.breakerTransitions.WithLabelValues("wsclean", "closed", "open")))
}

func TestObserverDLQ(t *testing.T) {
	tel, _, sink := newTestTelemetry(t)
	obs := NewObserver(tel)

	queue := dlq.NewQueue(dlq.NewMemoryStore(), dlq.WithListener(obs.DLQListener()))
	ctx := context.Background()
	id, err := queue.Park(ctx, engine.ParkedWork{
		Component: "image",
		ErrorType: engine.KindExecutionFailed,
		Message:   "wsclean exited 1",
		RunID:     "run-4",
		Attempts:  3,
		Payload:   engine.ReplayPayload{Stage: "image", RunID: "run-4"},
	})
	require.NoError(t, err)
	require.NoError(t, queue.Resolve(ctx, id))

	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.dlqActions.WithLabelValues("parked", "image")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.dlqActions.WithLabelValues("resolved", "image")))
	assert.Equal(t, []string{EventTypeDLQ, EventTypeDLQ}, sink.types())
	assert.Equal(t, "run-4", sink.last().RunID)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	obs.RefreshDLQ(stats)
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.dlqItems.WithLabelValues("image", "ExecutionFailed", "resolved")))
	assert.Equal(t, float64(0), testutil.ToFloat64(tel.Metrics.dlqItems.WithLabelValues("image", "ExecutionFailed", "pending")))

	obs.RecordSweep(dlq.SweepResult{Attempted: 3, Succeeded: 2, Failed: 1})
	assert.Equal(t, float64(2), testutil.ToFloat64(tel.Metrics.dlqSweeps.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tel.Metrics.dlqSweeps.WithLabelValues("failed")))
}

func TestEventPublisherAsyncOrder(t *testing.T) {
	events, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  7,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	events.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Stage)
		mu.Unlock()
	}, FilterByType(EventTypeStageStarted))

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		stage := string(rune('a' + i%26))
		want = append(want, stage)
		require.NoError(t, events.Publish(Event{Type: EventTypeStageStarted, Stage: stage}))
		require.NoError(t, events.Publish(Event{Type: EventTypeStageFailed, Stage: stage}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, events.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
	assert.Error(t, events.Publish(Event{Type: EventTypeStageStarted}))
}

func TestEventPublisherDropsWhenFull(t *testing.T) {
	events, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   1,
		MaxBatchSize: 1,
		EnableAsync:  true,
	})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var delivered []string
	events.Subscribe(func(e Event) {
		if e.Stage == "first" {
			close(started)
			<-release
		}
		delivered = append(delivered, e.Stage)
	}, nil)

	require.NoError(t, events.Publish(Event{Type: EventTypeStageStarted, Stage: "first"}))
	<-started
	require.NoError(t, events.Publish(Event{Type: EventTypeStageStarted, Stage: "queued"}))
	err = events.Publish(Event{Type: EventTypeStageStarted, Stage: "dropped"})
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, uint64(1), events.Dropped())

	close(release)
	require.NoError(t, events.Shutdown(context.Background()))
	assert.Equal(t, []string{"first", "queued"}, delivered)
	assert.ErrorIs(t, events.Publish(Event{Type: EventTypeStageStarted}), ErrPublisherClosed)
}

func TestEventPublisherDisabled(t *testing.T) {
	events, err := NewEventPublisher(EventsConfig{})
	require.NoError(t, err)

	called := false
	events.Subscribe(func(Event) { called = true }, nil)
	require.NoError(t, events.Publish(Event{Type: EventTypeRunCompleted}))
	require.NoError(t, events.Shutdown(context.Background()))
	assert.False(t, called)
}

func TestEventFilters(t *testing.T) {
	e := Event{Type: EventTypeStageFailed, RunID: "r1", Stage: "image", Level: EventLevelWarning}

	assert.True(t, FilterByLevel(EventLevelInfo)(e))
	assert.True(t, FilterByLevel(EventLevelWarning)(e))
	assert.False(t, FilterByLevel(EventLevelError)(e))
	assert.True(t, FilterByType(EventTypeStageFailed, EventTypeRunFailed)(e))
	assert.False(t, FilterByType(EventTypeRunFailed)(e))
	assert.True(t, FilterByRunID("r1")(e))
	assert.False(t, FilterByStage("convert")(e))
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFromWriter(&buf, LoggingConfig{Level: "info"})

	logger.Debug("hidden")
	logger.NewComponentLogger("engine").WithRunID("run-1").WithStage("image").WithField("attempt", 2).Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "image", line["stage"])
	assert.Equal(t, float64(2), line["attempt"])
}

func TestLoggerContext(t *testing.T) {
	logger := NopLogger()
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: "listen address"},
		{name: "zero batch", mutate: func(c *Config) { c.Events.MaxBatchSize = 0 }, wantErr: "batch size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	metrics, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	metrics.RecordRunStarted()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "contimg_active_runs 1")

	disabled, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	assert.False(t, disabled.Enabled())
	disabled.RecordStageAttempt("x", "direct", "succeeded", time.Second)
	assert.Nil(t, disabled.StartMetricsServer(NopLogger()))

	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var srv *MetricsServer
	assert.NoError(t, srv.Shutdown(context.Background()))
}
