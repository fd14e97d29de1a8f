package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Stage is a named unit of orchestrated work wrapping one domain operation.
// The orchestrator depends only on this interface.
type Stage interface {
	// Name returns the stable identifier used for dependency resolution,
	// logging and DLQ attribution.
	Name() string

	// Validate is a side-effect-free precondition check run before Execute.
	Validate(ec ExecutionContext) (ok bool, reason string)

	// Execute performs the stage's work and returns the derived context.
	// It may be invoked once per attempt with the same input context, so it
	// must be idempotent for retries to be safe.
	Execute(ctx context.Context, ec ExecutionContext) (ExecutionContext, error)

	// Cleanup is invoked after every attempt regardless of outcome.
	// Its errors are logged and never escalated.
	Cleanup(ctx context.Context, ec ExecutionContext) error

	// ValidateOutputs is a postcondition check on the context returned by Execute.
	ValidateOutputs(ec ExecutionContext) (ok bool, reason string)
}

// BaseStage provides permissive defaults for the optional parts of Stage.
// Embed it and implement Name and Execute.
type BaseStage struct{}

// Validate always succeeds.
func (BaseStage) Validate(ExecutionContext) (bool, string) { return true, "" }

// Cleanup does nothing.
func (BaseStage) Cleanup(context.Context, ExecutionContext) error { return nil }

// ValidateOutputs always succeeds.
func (BaseStage) ValidateOutputs(ExecutionContext) (bool, string) { return true, "" }

// StageDescriptor is a serializable description from which a stage can be rebuilt
// in another process.
type StageDescriptor struct {
	// Name is the stage name; the orchestrator fills it from the definition.
	Name   string          `json:"name,omitempty"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Describer is implemented by stages that can run behind a process boundary.
type Describer interface {
	Descriptor() StageDescriptor
}

// StageDefinition is the static description of a stage in a graph.
type StageDefinition struct {
	// Name identifies the stage and must match Stage.Name().
	Name string `json:"name"`

	// Dependencies lists stages that must complete before this stage runs.
	Dependencies []string `json:"dependencies,omitempty"`

	// RetryPolicy decides whether failed attempts are retried. Zero value means DefaultRetryPolicy.
	RetryPolicy RetryPolicy `json:"retry_policy"`

	// Mode selects direct, isolated or remote execution. Empty means direct.
	Mode ExecutionMode `json:"mode,omitempty"`

	// Timeout bounds a single attempt. Required to be positive for isolated stages
	// unless the isolated runner supplies a default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// BreakerKey names the protected resource. Empty means the stage name.
	BreakerKey string `json:"breaker_key,omitempty"`

	// Optional marks the stage non-critical: its failure yields Partial rather than Failed.
	Optional bool `json:"optional,omitempty"`
}

// resourceKey returns the circuit breaker key for the stage.
func (d StageDefinition) resourceKey() string {
	if d.BreakerKey != "" {
		return d.BreakerKey
	}
	return d.Name
}

// StageResult records one attempt (or skip) of a stage.
type StageResult struct {
	Stage      string        `json:"stage"`
	Status     StageStatus   `json:"status"`
	Attempt    int           `json:"attempt"`
	Mode       ExecutionMode `json:"mode,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Error      *Error        `json:"error,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Duration returns the attempt duration.
func (r StageResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PipelineResult is the outcome of one orchestrator run.
type PipelineResult struct {
	RunID        string           `json:"run_id"`
	Status       PipelineStatus   `json:"status"`
	Context      ExecutionContext `json:"-"`
	StageResults []StageResult    `json:"stage_results"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Err          *Error           `json:"error,omitempty"`
}

// ResultsFor returns the results recorded for one stage in attempt order.
func (r *PipelineResult) ResultsFor(stage string) []StageResult {
	out := make([]StageResult, 0)
	for _, res := range r.StageResults {
		if res.Stage == stage {
			out = append(out, res)
		}
	}
	return out
}

// FinalStatus returns the status of the last result recorded for a stage.
func (r *PipelineResult) FinalStatus(stage string) StageStatus {
	status := StageStatusPending
	for _, res := range r.StageResults {
		if res.Stage == stage {
			status = res.Status
		}
	}
	return status
}

// Duration returns the wall-clock duration of the run.
func (r *PipelineResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
