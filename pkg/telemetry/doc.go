// Package telemetry provides observability for the imaging pipeline.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and in-process event publishing.
// Library packages such as engine, breaker and dlq take a plain zerolog.Logger;
// this package builds that logger and turns their hooks into spans and metrics.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv := tel.StartMetricsServer()
//
// Wire the observer into the engine, breaker registry and dead letter queue:
//
//	obs := telemetry.NewObserver(tel)
//	breakers.OnStateChange(obs.BreakerHook())
//	queue := dlq.NewQueue(store, dlq.WithListener(obs.DLQListener()))
//	orch, err := engine.NewOrchestrator(defs, stages, engine.WithObserver(obs))
//
// # Traces
//
// Every pipeline run gets a "pipeline.run" span. Each stage attempt gets a
// "stage.<name>" child span carrying the attempt number and execution mode.
// A failed attempt records the error kind and code on its span; a retried
// attempt also records the backoff.
//
// Supported exporters: "otlp" (gRPC), "stdout" (pretty JSON on stderr) and
// "none" (spans are created but not exported).
//
// # Metrics
//
// Key metrics exposed under the configured namespace (default "contimg"):
//
//   - contimg_runs_completed_total{status}
//   - contimg_run_duration_seconds{status}
//   - contimg_active_runs
//   - contimg_stage_attempts_total{stage,mode,status}
//   - contimg_stage_duration_seconds{stage,mode}
//   - contimg_stage_retries_total{stage,error_kind}
//   - contimg_errors_by_kind_total{kind}
//   - contimg_errors_by_code_total{code}
//   - contimg_breaker_state{resource}
//   - contimg_breaker_transitions_total{resource,from,to}
//   - contimg_dlq_items{component,error_type,status}
//   - contimg_dlq_actions_total{action,component}
//   - contimg_dlq_sweep_items_total{outcome}
//
// Metrics are exposed via HTTP at /metrics (default :9090) next to a /healthz probe.
//
// # Events
//
// Events are delivered in publish order, either synchronously or from a
// single batching goroutine when EnableAsync is set:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByStage.
//
// # Graceful Shutdown
//
// Shutdown delivers buffered events, flushes pending spans, stops the metrics
// server and closes the log file, returning every error it met.
package telemetry
