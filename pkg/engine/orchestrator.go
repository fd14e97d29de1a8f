package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 10

// DefaultIsolatedTimeout bounds isolated and remote stages whose definition has no timeout.
const DefaultIsolatedTimeout = time.Hour

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the size of the bounded worker pool.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		o.workers = n
	}
}

// WithDefaultIsolatedTimeout sets the hard timeout given to isolated and
// remote stages defined without one.
func WithDefaultIsolatedTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.isolatedTimeout = d
	}
}

// WithBreaker sets the circuit breaker consulted before every attempt.
func WithBreaker(b CircuitBreaker) Option {
	return func(o *Orchestrator) {
		o.breaker = b
	}
}

// WithDeadLetterSink sets where exhausted work is parked.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithIsolatedRunner sets the runner used for isolated stages.
func WithIsolatedRunner(r IsolatedRunner) Option {
	return func(o *Orchestrator) {
		o.isolated = r
	}
}

// WithRemoteRunner sets the runner used for remote stages.
func WithRemoteRunner(r RemoteRunner) Option {
	return func(o *Orchestrator) {
		o.remote = r
	}
}

// WithObserver registers a lifecycle observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides how the orchestrator waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Orchestrator walks a stage graph, dispatching eligible stages to a bounded
// worker pool through the retry and circuit-breaker layer.
// A single Orchestrator may serve concurrent runs.
type Orchestrator struct {
	graph  *Graph
	defs   map[string]StageDefinition
	stages map[string]Stage

	workers         int
	isolatedTimeout time.Duration
	breaker         CircuitBreaker
	sink      DeadLetterSink
	isolated  IsolatedRunner
	remote    RemoteRunner
	observers []Observer
	observer  *MultiObserver
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator validates the definitions and stages and builds the graph.
// Every configuration problem is reported here, before anything runs.
func NewOrchestrator(defs []StageDefinition, stages []Stage, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		defs:    make(map[string]StageDefinition, len(defs)),
		stages:  make(map[string]Stage, len(stages)),
		workers:         DefaultWorkers,
		isolatedTimeout: DefaultIsolatedTimeout,
		logger:          zerolog.Nop(),
		now:             time.Now,
		sleep:           sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.observer = NewMultiObserver(o.logger, o.observers...)

	if o.workers <= 0 {
		return nil, definitionError("worker count must be positive, got %d", o.workers)
	}
	if o.isolatedTimeout <= 0 {
		return nil, definitionError("isolated timeout must be positive, got %s", o.isolatedTimeout)
	}

	for _, s := range stages {
		if s == nil {
			return nil, definitionError("nil stage")
		}
		if _, exists := o.stages[s.Name()]; exists {
			return nil, definitionError("duplicate stage implementation: %s", s.Name())
		}
		o.stages[s.Name()] = s
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		return nil, err
	}
	o.graph = graph

	for _, def := range defs {
		normalized, err := o.normalize(def)
		if err != nil {
			return nil, err
		}
		o.defs[def.Name] = normalized
		graph.Nodes[def.Name].Definition = normalized
	}

	for name := range o.stages {
		if _, ok := o.defs[name]; !ok {
			return nil, definitionError("stage %s has no definition", name).WithStage(name)
		}
	}

	return o, nil
}

func definitionError(format string, args ...any) *Error {
	return NewError(KindInvalidDefinition, fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// normalize fills defaults and checks that the definition can be executed.
func (o *Orchestrator) normalize(def StageDefinition) (StageDefinition, error) {
	stage, ok := o.stages[def.Name]
	if !ok {
		return def, definitionError("no stage implementation for %s", def.Name).
			WithStage(def.Name).WithCode(ErrCodeUnknownStage)
	}

	if def.RetryPolicy.IsZero() {
		def.RetryPolicy = DefaultRetryPolicy()
	}
	if err := def.RetryPolicy.Validate(); err != nil {
		return def, NewError(KindInvalidDefinition, "invalid retry policy", err).
			WithStage(def.Name).WithCode(ErrCodeValidation)
	}

	if def.Timeout < 0 {
		return def, definitionError("negative timeout %s", def.Timeout).WithStage(def.Name)
	}

	if def.Mode == "" {
		def.Mode = ModeDirect
	}
	if err := def.Mode.Validate(); err != nil {
		return def, NewError(KindInvalidDefinition, err.Error(), nil).
			WithStage(def.Name).WithCode(ErrCodeValidation)
	}

	switch def.Mode {
	case ModeIsolated:
		if o.isolated == nil {
			return def, definitionError("isolated mode requires an isolated runner").WithStage(def.Name)
		}
	case ModeRemote:
		if o.remote == nil {
			return def, definitionError("remote mode requires a remote runner").WithStage(def.Name)
		}
	}
	if def.Mode != ModeDirect {
		if _, ok := stage.(Describer); !ok {
			return def, definitionError("%s mode requires a stage that implements Describer", def.Mode).
				WithStage(def.Name)
		}
		if def.Timeout == 0 {
			def.Timeout = o.isolatedTimeout
		}
	}

	return def, nil
}

// Graph returns the validated stage graph.
func (o *Orchestrator) Graph() *Graph {
	return o.graph
}

// Definition returns the normalized definition of a stage.
func (o *Orchestrator) Definition(name string) (StageDefinition, bool) {
	def, ok := o.defs[name]
	return def, ok
}

// stageOutcome is what a worker reports back to the dispatcher.
type stageOutcome struct {
	name    string
	status  StageStatus
	results []StageResult
	delta   Delta
	cause   *Error
	// cancelled is set when the run was cancelled before the stage started.
	cancelled bool
}

type job struct {
	name string
	ec   ExecutionContext
}

// runState is owned by the dispatcher goroutine of one run.
type runState struct {
	status    map[string]StageStatus
	causes    map[string]*Error
	remaining map[string]int
	results   []StageResult
	acc       ExecutionContext
}

// Run executes the graph against ec.
// The returned error is non-nil iff the result status is Failed; the result is
// returned in every case so the per-stage history is available.
func (o *Orchestrator) Run(ctx context.Context, ec ExecutionContext) (*PipelineResult, error) {
	runID := uuid.New().String()
	logger := o.logger.With().Str("run_id", runID).Logger()

	result := &PipelineResult{
		RunID:     runID,
		StartedAt: o.now(),
	}

	logger.Info().
		Int("stages", len(o.defs)).
		Int("workers", o.workers).
		Str("job_id", ec.JobID()).
		Msg("Pipeline run started")

	state := &runState{
		status:    make(map[string]StageStatus, len(o.defs)),
		causes:    make(map[string]*Error),
		remaining: make(map[string]int, len(o.defs)),
		results:   make([]StageResult, 0, len(o.defs)),
		acc:       ec,
	}
	for name, node := range o.graph.Nodes {
		state.status[name] = StageStatusPending
		state.remaining[name] = len(node.Dependencies)
	}

	workers := o.workers
	if len(o.defs) < workers {
		workers = len(o.defs)
	}

	jobs := make(chan job, len(o.defs))
	done := make(chan stageOutcome, len(o.defs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					done <- o.notStarted(j.name)
					continue
				}
				done <- o.executeStage(ctx, runID, o.defs[j.name], o.stages[j.name], j.ec, true)
			}
		}()
	}

	inflight := 0
	dispatch := func(name string) {
		if ctx.Err() != nil {
			return
		}
		state.status[name] = StageStatusRunning
		inflight++
		jobs <- job{name: name, ec: state.acc}
	}

	for _, name := range o.graph.Roots {
		dispatch(name)
	}

	for inflight > 0 {
		out := <-done
		inflight--

		state.status[out.name] = out.status
		state.results = append(state.results, out.results...)
		if out.cause != nil {
			state.causes[out.name] = out.cause
		}
		if out.cancelled {
			// descendants stay pending and are skipped as cancelled below
			continue
		}

		if out.status == StageStatusCompleted {
			// last completed stage wins on key conflicts between independent branches
			state.acc = state.acc.apply(out.delta)
			for _, dependent := range o.graph.Nodes[out.name].Dependents {
				state.remaining[dependent]--
				if state.remaining[dependent] == 0 && state.status[dependent] == StageStatusPending {
					dispatch(dependent)
				}
			}
			continue
		}

		o.skipDescendants(state, out.name)
	}

	close(jobs)
	wg.Wait()

	cancelled := ctx.Err() != nil
	for _, name := range o.graph.Order() {
		if state.status[name] != StageStatusPending {
			continue
		}
		cancelled = true
		now := o.now()
		state.status[name] = StageStatusSkipped
		state.results = append(state.results, StageResult{
			Stage:      name,
			Status:     StageStatusSkipped,
			Mode:       o.defs[name].Mode,
			StartedAt:  now,
			FinishedAt: now,
			SkipReason: "run cancelled",
		})
	}

	result.Context = state.acc
	result.StageResults = state.results
	result.FinishedAt = o.now()
	result.Status, result.Err = o.summarize(ctx, state, cancelled)

	event := logger.Info()
	if result.Status == PipelineStatusFailed {
		event = logger.Error().Err(result.Err)
	}
	event.
		Str("status", string(result.Status)).
		Dur("duration", result.Duration()).
		Msg("Pipeline run finished")

	o.observer.PipelineCompleted(result)

	if result.Status == PipelineStatusFailed {
		return result, result.Err
	}
	return result, nil
}

// notStarted reports a queued stage that a worker picked up after the run was cancelled.
func (o *Orchestrator) notStarted(name string) stageOutcome {
	now := o.now()
	return stageOutcome{
		name:   name,
		status: StageStatusSkipped,
		results: []StageResult{{
			Stage:      name,
			Status:     StageStatusSkipped,
			Mode:       o.defs[name].Mode,
			StartedAt:  now,
			FinishedAt: now,
			SkipReason: "run cancelled",
		}},
		cancelled: true,
	}
}

// skipDescendants marks every not-yet-started descendant of a failed or skipped
// stage as Skipped without calling into it.
func (o *Orchestrator) skipDescendants(state *runState, blocker string) {
	for _, name := range o.graph.Descendants(blocker) {
		if state.status[name] != StageStatusPending {
			continue
		}
		now := o.now()
		state.status[name] = StageStatusSkipped
		if cause := state.causes[blocker]; cause != nil {
			state.causes[name] = cause
		}
		state.results = append(state.results, StageResult{
			Stage:      name,
			Status:     StageStatusSkipped,
			Mode:       o.defs[name].Mode,
			StartedAt:  now,
			FinishedAt: now,
			SkipReason: "blocked by " + blocker,
		})
	}
}

// summarize derives the overall status from the final stage states.
func (o *Orchestrator) summarize(ctx context.Context, state *runState, cancelled bool) (PipelineStatus, *Error) {
	completed := 0
	var requiredFailure string
	for _, name := range o.graph.Order() {
		if state.status[name] == StageStatusCompleted {
			completed++
			continue
		}
		if !o.defs[name].Optional && requiredFailure == "" {
			requiredFailure = name
		}
	}

	if completed == len(o.defs) {
		return PipelineStatusCompleted, nil
	}

	if cancelled || ctx.Err() != nil {
		return PipelineStatusFailed, NewCancelledError(ctx.Err())
	}

	if requiredFailure == "" && completed > 0 {
		return PipelineStatusPartial, nil
	}

	if requiredFailure == "" {
		return PipelineStatusFailed, NewError(KindExecutionFailed, "no stage completed", nil).
			WithCode(ErrCodeDependencyFailed)
	}

	cause := state.causes[requiredFailure]
	if cause == nil {
		cause = NewError(KindExecutionFailed, "required stage did not complete", nil).
			WithCode(ErrCodeDependencyFailed)
	}
	cp := *cause
	if cp.Stage == "" {
		cp.Stage = requiredFailure
	}
	return PipelineStatusFailed, &cp
}

// executeStage validates a stage once and then runs its attempts under the
// retry policy. When park is set, a final failure is sent to the dead-letter sink.
func (o *Orchestrator) executeStage(
	ctx context.Context,
	runID string,
	def StageDefinition,
	stage Stage,
	in ExecutionContext,
	park bool,
) stageOutcome {
	out := stageOutcome{name: def.Name, results: make([]StageResult, 0, 1)}
	logger := o.logger.With().Str("run_id", runID).Str("stage", def.Name).Logger()

	if ok, reason := o.safeValidate(stage, in); !ok {
		now := o.now()
		verr := NewValidationError(reason).WithStage(def.Name).WithOperation("validate")
		out.cause = verr
		res := StageResult{
			Stage:      def.Name,
			Mode:       def.Mode,
			StartedAt:  now,
			FinishedAt: now,
		}
		if def.Optional {
			out.status = StageStatusSkipped
			res.Status = StageStatusSkipped
			res.SkipReason = "validation failed: " + reason
			logger.Info().Str("reason", reason).Msg("Optional stage skipped")
		} else {
			out.status = StageStatusFailed
			res.Status = StageStatusFailed
			res.Error = verr
			logger.Warn().Str("reason", reason).Msg("Required stage failed validation")
			o.observer.StageFailed(StageEvent{
				Type: EventStageFailed, RunID: runID, Stage: def.Name,
				Mode: def.Mode, Timestamp: now, Err: verr,
			})
		}
		out.results = append(out.results, res)
		return out
	}

	var lastErr *Error
	attempt := 0
	for {
		attempt++
		started := o.now()
		o.observer.StageStarted(StageEvent{
			Type: EventStageStarted, RunID: runID, Stage: def.Name,
			Attempt: attempt, Mode: def.Mode, Timestamp: started,
		})

		delta, err := o.attempt(ctx, def, stage, in)
		finished := o.now()
		if err != nil && err.Kind != KindCancelled && ctx.Err() != nil {
			// the run itself was cancelled or hit its deadline
			err = NewCancelledError(ctx.Err()).WithStage(def.Name).WithOperation("execute")
		}

		res := StageResult{
			Stage:      def.Name,
			Attempt:    attempt,
			Mode:       def.Mode,
			StartedAt:  started,
			FinishedAt: finished,
		}

		if err == nil {
			res.Status = StageStatusCompleted
			out.results = append(out.results, res)
			out.status = StageStatusCompleted
			out.delta = delta
			o.observer.StageSucceeded(StageEvent{
				Type: EventStageSucceeded, RunID: runID, Stage: def.Name, Attempt: attempt,
				Mode: def.Mode, Timestamp: finished, Duration: finished.Sub(started),
			})
			logger.Debug().Int("attempt", attempt).Dur("duration", finished.Sub(started)).Msg("Stage completed")
			return out
		}

		res.Status = StageStatusFailed
		res.Error = err
		out.results = append(out.results, res)
		lastErr = err

		if ctx.Err() != nil || !def.RetryPolicy.ShouldRetry(err, attempt) {
			break
		}

		backoff := def.RetryPolicy.Backoff(attempt)
		o.observer.StageRetrying(StageEvent{
			Type: EventStageRetrying, RunID: runID, Stage: def.Name, Attempt: attempt,
			Mode: def.Mode, Timestamp: finished, Duration: finished.Sub(started),
			Err: err, Backoff: backoff,
		})
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", def.RetryPolicy.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Retrying stage after failure")

		if serr := o.sleep(ctx, backoff); serr != nil {
			lastErr = NewCancelledError(serr).WithStage(def.Name).WithOperation("backoff")
			break
		}
	}

	out.status = StageStatusFailed
	out.cause = lastErr
	o.observer.StageFailed(StageEvent{
		Type: EventStageFailed, RunID: runID, Stage: def.Name, Attempt: attempt,
		Mode: def.Mode, Timestamp: o.now(), Err: lastErr,
	})
	logger.Error().Err(lastErr).Int("attempts", attempt).Str("kind", string(lastErr.Kind)).Msg("Stage failed")

	if park && lastErr.Kind != KindCancelled {
		o.park(ctx, runID, def, stage, in, lastErr, attempt)
	}
	return out
}

// attempt runs one guarded attempt: breaker check, execution, postcondition and cleanup.
func (o *Orchestrator) attempt(ctx context.Context, def StageDefinition, stage Stage, in ExecutionContext) (Delta, *Error) {
	key := def.resourceKey()
	if o.breaker != nil {
		if err := o.breaker.Allow(ctx, key); err != nil {
			return Delta{}, NewCircuitOpenError(key, err).WithStage(def.Name).WithOperation("execute")
		}
	}

	delta, err := o.invoke(ctx, def, stage, in)

	if o.breaker != nil {
		switch {
		case err == nil:
			o.breaker.RecordSuccess(ctx, key)
		case ctx.Err() != nil:
		case err.Kind == KindExecutionFailed, err.Kind == KindPostconditionFailed, err.Kind == KindTimeout:
			o.breaker.RecordFailure(ctx, key)
		}
	}
	return delta, err
}

// invoke executes the stage under its mode, checks outputs and always cleans up.
func (o *Orchestrator) invoke(ctx context.Context, def StageDefinition, stage Stage, in ExecutionContext) (Delta, *Error) {
	outCtx := in
	var delta Delta
	var execErr *Error

	defer func() {
		o.safeCleanup(context.WithoutCancel(ctx), def.Name, stage, outCtx)
	}()

	switch def.Mode {
	case ModeIsolated, ModeRemote:
		desc := stage.(Describer).Descriptor()
		desc.Name = def.Name
		var runner func(context.Context, StageDescriptor, ExecutionContext, time.Duration) (Delta, error)
		if def.Mode == ModeIsolated {
			runner = o.isolated.Run
		} else {
			runner = o.remote.Run
		}
		d, err := runner(ctx, desc, in, def.Timeout)
		if err != nil {
			execErr = classify(err, def.Name, "execute")
			break
		}
		delta = d
		outCtx = in.apply(d)

	default:
		execCtx := ctx
		if def.Timeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, def.Timeout)
			defer cancel()
		}
		result, err := o.safeExecute(execCtx, stage, in)
		if err != nil {
			execErr = classify(err, def.Name, "execute")
			if ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && execErr.Kind != KindTimeout {
				execErr = NewTimeoutError(fmt.Sprintf("stage exceeded timeout of %s", def.Timeout), err).
					WithStage(def.Name).WithOperation("execute")
			}
			break
		}
		outCtx = result
		delta = result.Delta(in)
	}

	if execErr != nil {
		return Delta{}, execErr
	}

	if ok, reason := o.safeValidateOutputs(stage, outCtx); !ok {
		return Delta{}, NewPostconditionError(reason).WithStage(def.Name).WithOperation("validate_outputs")
	}

	return delta, nil
}

func (o *Orchestrator) safeValidate(stage Stage, ec ExecutionContext) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("validate panicked: %v", r)
		}
	}()
	return stage.Validate(ec)
}

func (o *Orchestrator) safeValidateOutputs(stage Stage, ec ExecutionContext) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("validate outputs panicked: %v", r)
		}
	}()
	return stage.ValidateOutputs(ec)
}

func (o *Orchestrator) safeExecute(ctx context.Context, stage Stage, ec ExecutionContext) (out ExecutionContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewExecutionError(fmt.Sprintf("stage panicked: %v", r), nil).WithCode(ErrCodeStagePanic)
		}
	}()
	return stage.Execute(ctx, ec)
}

func (o *Orchestrator) safeCleanup(ctx context.Context, name string, stage Stage, ec ExecutionContext) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("stage", name).Interface("panic", r).Msg("Stage cleanup panicked")
		}
	}()
	if err := stage.Cleanup(ctx, ec); err != nil {
		o.logger.Warn().Err(err).Str("stage", name).Msg("Stage cleanup failed")
	}
}

// park hands exhausted work to the dead-letter sink. Failures are logged only.
func (o *Orchestrator) park(
	ctx context.Context,
	runID string,
	def StageDefinition,
	stage Stage,
	in ExecutionContext,
	cause *Error,
	attempts int,
) {
	if o.sink == nil {
		return
	}

	payload := ReplayPayload{Stage: def.Name, RunID: runID}
	if d, ok := stage.(Describer); ok {
		desc := d.Descriptor()
		desc.Name = def.Name
		payload.Descriptor = &desc
	}
	snap, err := in.Snapshot()
	if err != nil {
		o.logger.Warn().Err(err).Str("stage", def.Name).Msg("Failed to snapshot context for dead letter")
	}
	payload.Snapshot = snap

	work := ParkedWork{
		Component: def.Name,
		ErrorType: cause.Kind,
		Message:   cause.Error(),
		RunID:     runID,
		Attempts:  attempts,
		Payload:   payload,
	}

	id, err := o.sink.Park(context.WithoutCancel(ctx), work)
	if err != nil {
		o.logger.Error().Err(err).Str("stage", def.Name).Msg("Failed to park stage in dead letter queue")
		return
	}
	o.logger.Warn().
		Str("run_id", runID).
		Str("stage", def.Name).
		Str("dlq_id", id).
		Str("kind", string(cause.Kind)).
		Msg("Stage parked in dead letter queue")
}

// Replay re-submits a parked unit of work as a fresh stage invocation with a
// reset attempt counter. A failed replay is returned to the caller and never re-parked.
func (o *Orchestrator) Replay(ctx context.Context, component string, payload json.RawMessage) error {
	p, err := DecodeReplayPayload(payload)
	if err != nil {
		return Permanent(err)
	}
	name := p.Stage
	if name == "" {
		name = component
	}

	def, ok := o.defs[name]
	if !ok {
		return Permanent(definitionError("unknown stage %s", name).WithCode(ErrCodeUnknownStage))
	}

	runID := uuid.New().String()
	ec := FromSnapshot(p.Snapshot).WithMetadata("replay_of", p.RunID)

	o.logger.Info().
		Str("run_id", runID).
		Str("stage", name).
		Str("original_run_id", p.RunID).
		Msg("Replaying parked stage")

	started := o.now()
	out := o.executeStage(ctx, runID, def, o.stages[name], ec, false)

	result := &PipelineResult{
		RunID:        runID,
		Status:       PipelineStatusCompleted,
		Context:      ec.apply(out.delta),
		StageResults: out.results,
		StartedAt:    started,
		FinishedAt:   o.now(),
	}
	var replayErr *Error
	if out.status != StageStatusCompleted {
		replayErr = out.cause
		if replayErr == nil {
			replayErr = NewExecutionError("replay did not complete", nil).WithStage(name)
		}
		result.Status = PipelineStatusFailed
		result.Err = replayErr
	}
	o.observer.PipelineCompleted(result)

	if replayErr != nil {
		return replayErr
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
