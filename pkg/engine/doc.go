// Package engine provides the stage orchestration core of the contimg pipeline.
//
// # Overview
//
// A pipeline is a directed acyclic graph of named stages. Each stage wraps one
// domain operation (format conversion, calibration solve, imaging, ...); the
// engine never looks inside it. The engine resolves dependencies, dispatches
// eligible stages to a bounded worker pool, threads an immutable
// ExecutionContext between them, retries failed attempts, guards shared
// resources with a circuit breaker and parks exhausted work in a dead-letter
// queue for operator attention.
//
// # Core Types
//
//   - ExecutionContext: immutable configuration, inputs, outputs and metadata
//   - Stage: the capability set {Name, Validate, Execute, Cleanup, ValidateOutputs}
//   - StageDefinition: dependencies, retry policy, execution mode and timeout
//   - Graph: validated, levelled dependency graph built by GraphBuilder
//   - Orchestrator: runs a Graph and produces a PipelineResult
//   - RetryPolicy: the single place retry and backoff decisions are made
//   - Error: classified failure (ValidationFailed, ExecutionFailed, ...)
//
// # Collaborators
//
// The orchestrator is handed its services at construction:
//
//	orch, err := engine.NewOrchestrator(defs, stages,
//	    engine.WithWorkers(4),
//	    engine.WithBreaker(breakers),
//	    engine.WithDeadLetterSink(queue),
//	    engine.WithIsolatedRunner(runner),
//	    engine.WithObserver(tel),
//	)
//
// CircuitBreaker, DeadLetterSink, IsolatedRunner and Observer are interfaces;
// implementations live in the breaker, dlq, stagerunner and telemetry packages.
//
// # Execution Semantics
//
// Graph construction fails on cycles, unknown dependencies and unusable
// definitions, so a bad graph never produces a PipelineResult. At run time a
// stage is dispatched the moment its last dependency completes. A stage that
// ends Failed or Skipped skips every descendant with the reason
// "blocked by <stage>". Exhausted failures are parked through the
// DeadLetterSink and can be re-run later with Orchestrator.Replay.
package engine
