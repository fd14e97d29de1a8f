package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("Application started")

	fmt.Println(telemetry.FromTelemetryContext(ctx) == tel)
	// Output: true
}

// Example_eventFiltering demonstrates synchronous delivery with filters.
func Example_eventFiltering() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 10})

	events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.Stage)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeStageSucceeded, Stage: "convert"})
	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeStageRetrying, Stage: "calibrate", Level: telemetry.EventLevelWarning})
	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeStageFailed, Stage: "image", Level: telemetry.EventLevelError})

	// Output:
	// stage.retrying calibrate
	// stage.failed image
}

// Example_engineObserver demonstrates turning engine events into telemetry.
func Example_engineObserver() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Println(event.Type)
	}, telemetry.FilterByRunID("run-1"))

	obs := telemetry.NewObserver(tel)
	start := time.Now()
	obs.StageStarted(engine.StageEvent{RunID: "run-1", Stage: "convert", Attempt: 1, Mode: engine.ModeDirect, Timestamp: start})
	obs.StageSucceeded(engine.StageEvent{RunID: "run-1", Stage: "convert", Attempt: 1, Mode: engine.ModeDirect, Timestamp: start.Add(time.Second), Duration: time.Second})
	obs.PipelineCompleted(&engine.PipelineResult{
		RunID:      "run-1",
		Status:     engine.PipelineStatusCompleted,
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	})

	// Output:
	// stage.started
	// stage.succeeded
	// run.completed
}

// Example_instrumentedOperation demonstrates the operation helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "dlq.sweep", attribute.Int("limit", 100))
	op.Logger.Debug("Sweeping pending items")
	op.End(errors.New("store unavailable"))

	fmt.Println(op.Elapsed() >= 0)
	// Output: true
}

// Example_productionConfiguration demonstrates validating a production setup.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()
	fmt.Println(cfg.Validate())

	cfg.Tracing.Endpoint = "otel-collector:4317"
	fmt.Println(cfg.Validate())

	// Output:
	// otlp exporter requires an endpoint
	// <nil>
}
