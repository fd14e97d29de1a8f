package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/breaker"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// Observer turns engine lifecycle events into spans, metrics, events and log lines.
type Observer struct {
	tel    *Telemetry
	logger *Logger

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	ctx     context.Context
	span    trace.Span
	started time.Time
	stages  map[string]*attemptState
}

type attemptState struct {
	span    trace.Span
	started time.Time
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an engine observer backed by tel.
func NewObserver(tel *Telemetry) *Observer {
	return &Observer{
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("engine"),
		runs:   make(map[string]*runState),
	}
}

// run returns the state for runID, starting the run span on first sight.
// Callers hold o.mu.
func (o *Observer) run(runID string, started time.Time) *runState {
	if rs, ok := o.runs[runID]; ok {
		return rs
	}
	ctx, span := o.tel.Tracer.StartRunSpan(context.Background(), runID, trace.WithTimestamp(started))
	rs := &runState{
		ctx:     ctx,
		span:    span,
		started: started,
		stages:  make(map[string]*attemptState),
	}
	o.runs[runID] = rs
	o.tel.Metrics.RecordRunStarted()
	return rs
}

// StageStarted opens an attempt span under the run span.
func (o *Observer) StageStarted(ev engine.StageEvent) {
	o.mu.Lock()
	rs := o.run(ev.RunID, ev.Timestamp)
	_, span := o.tel.Tracer.StartStageSpan(rs.ctx, ev.RunID, ev.Stage, ev.Attempt, string(ev.Mode), trace.WithTimestamp(ev.Timestamp))
	rs.stages[ev.Stage] = &attemptState{span: span, started: ev.Timestamp}
	o.mu.Unlock()

	o.logger.WithStageEvent(ev).Debug("Stage attempt started")
	o.publish(Event{
		Type:      EventTypeStageStarted,
		Timestamp: ev.Timestamp,
		RunID:     ev.RunID,
		Stage:     ev.Stage,
		Message:   "stage attempt started",
		Data:      map[string]interface{}{"attempt": ev.Attempt, "mode": string(ev.Mode)},
	})
}

// StageSucceeded closes the attempt span.
func (o *Observer) StageSucceeded(ev engine.StageEvent) {
	o.finishAttempt(ev, "succeeded", func(span trace.Span) { RecordSuccess(span) })

	o.logger.WithStageEvent(ev).WithField("duration", ev.Duration.String()).Info("Stage succeeded")
	o.publish(Event{
		Type:      EventTypeStageSucceeded,
		Timestamp: ev.Timestamp,
		RunID:     ev.RunID,
		Stage:     ev.Stage,
		Message:   "stage succeeded",
		Data:      map[string]interface{}{"attempt": ev.Attempt, "duration_ms": ev.Duration.Milliseconds()},
	})
}

// StageRetrying closes the failed attempt span and counts the retry.
func (o *Observer) StageRetrying(ev engine.StageEvent) {
	kind, code := errorLabels(ev.Err)
	o.finishAttempt(ev, "retrying", func(span trace.Span) {
		span.SetAttributes(AttrBackoff.Int64(ev.Backoff.Milliseconds()))
		o.recordSpanError(span, ev.Err)
	})
	o.tel.Metrics.RecordStageRetry(ev.Stage, kind)
	o.tel.Metrics.RecordError(kind, code)

	o.logger.WithStageEvent(ev).WithEngineError(ev.Err).WithField("backoff", ev.Backoff.String()).
		Warn("Stage attempt failed, retrying")
	o.publish(Event{
		Type:      EventTypeStageRetrying,
		Timestamp: ev.Timestamp,
		RunID:     ev.RunID,
		Stage:     ev.Stage,
		Level:     EventLevelWarning,
		Message:   errMessage(ev.Err),
		Data: map[string]interface{}{
			"attempt":    ev.Attempt,
			"error_kind": kind,
			"backoff_ms": ev.Backoff.Milliseconds(),
		},
	})
}

// StageFailed closes the attempt span, if any, and records the error.
func (o *Observer) StageFailed(ev engine.StageEvent) {
	kind, code := errorLabels(ev.Err)
	o.finishAttempt(ev, "failed", func(span trace.Span) { o.recordSpanError(span, ev.Err) })
	o.tel.Metrics.RecordError(kind, code)

	o.logger.WithStageEvent(ev).WithEngineError(ev.Err).Error("Stage failed")
	o.publish(Event{
		Type:      EventTypeStageFailed,
		Timestamp: ev.Timestamp,
		RunID:     ev.RunID,
		Stage:     ev.Stage,
		Level:     EventLevelError,
		Message:   errMessage(ev.Err),
		Data:      map[string]interface{}{"attempt": ev.Attempt, "error_kind": kind, "error_code": code},
	})
}

// finishAttempt ends the open attempt span of ev.Stage and records the attempt metrics.
// A failure without an open attempt (validation) records nothing here.
func (o *Observer) finishAttempt(ev engine.StageEvent, status string, mark func(trace.Span)) {
	o.mu.Lock()
	var attempt *attemptState
	if rs, ok := o.runs[ev.RunID]; ok {
		attempt = rs.stages[ev.Stage]
		delete(rs.stages, ev.Stage)
	}
	o.mu.Unlock()

	if attempt == nil {
		return
	}

	end := ev.Timestamp
	if end.IsZero() {
		end = time.Now()
	}
	duration := ev.Duration
	if duration <= 0 {
		duration = end.Sub(attempt.started)
	}

	mark(attempt.span)
	attempt.span.End(trace.WithTimestamp(end))
	o.tel.Metrics.RecordStageAttempt(ev.Stage, string(ev.Mode), status, duration)
}

// PipelineCompleted ends the run span and records the run outcome.
func (o *Observer) PipelineCompleted(result *engine.PipelineResult) {
	if result == nil {
		return
	}

	o.mu.Lock()
	rs := o.run(result.RunID, result.StartedAt)
	delete(o.runs, result.RunID)
	o.mu.Unlock()

	for _, attempt := range rs.stages {
		attempt.span.End(trace.WithTimestamp(result.FinishedAt))
	}

	status := string(result.Status)
	rs.span.SetAttributes(AttrRunStatus.String(status))
	if result.Err != nil {
		o.recordSpanError(rs.span, result.Err)
	} else {
		RecordSuccess(rs.span)
	}
	rs.span.End(trace.WithTimestamp(result.FinishedAt))

	duration := result.FinishedAt.Sub(result.StartedAt)
	o.tel.Metrics.RecordRunCompleted(status, duration)

	logger := o.logger.WithRunID(result.RunID).WithFields(map[string]interface{}{
		"status":   status,
		"stages":   len(result.StageResults),
		"duration": duration.String(),
	})
	event := Event{
		Type:      EventTypeRunCompleted,
		Timestamp: result.FinishedAt,
		RunID:     result.RunID,
		Message:   "pipeline run " + status,
		Data:      map[string]interface{}{"status": status, "duration_ms": duration.Milliseconds()},
	}
	switch {
	case result.Err != nil:
		logger.WithError(result.Err).Error("Pipeline run failed")
		event.Type = EventTypeRunFailed
		event.Level = EventLevelError
		event.Data["error"] = result.Err.Error()
	case result.Status == engine.PipelineStatusPartial:
		logger.Warn("Pipeline run completed with skipped optional stages")
		event.Level = EventLevelWarning
	default:
		logger.Info("Pipeline run completed")
	}
	o.publish(event)
}

// BreakerHook returns a listener for breaker.Registry.OnStateChange.
func (o *Observer) BreakerHook() breaker.StateChangeFunc {
	return func(key string, from, to breaker.State) {
		o.tel.Metrics.RecordBreakerTransition(key, from.String(), to.String(), float64(to))

		logger := o.tel.Logger.NewComponentLogger("breaker").WithFields(map[string]interface{}{
			"resource": key,
			"from":     from.String(),
			"to":       to.String(),
		})
		level := EventLevelInfo
		if to == breaker.Open {
			level = EventLevelWarning
			logger.Warn("Circuit breaker opened")
		} else {
			logger.Info("Circuit breaker state changed")
		}
		o.publish(Event{
			Type:    EventTypeBreakerStateChanged,
			Level:   level,
			Message: "breaker " + key + " " + from.String() + " -> " + to.String(),
			Data:    map[string]interface{}{"resource": key, "from": from.String(), "to": to.String()},
		})
	}
}

// DLQListener returns a listener for dlq.WithListener.
func (o *Observer) DLQListener() dlq.Listener {
	return func(action dlq.Action, item dlq.Item) {
		o.tel.Metrics.RecordDLQAction(string(action), item.Component)

		logger := o.tel.Logger.NewComponentLogger("dlq").WithFields(map[string]interface{}{
			"item_id":    item.ID,
			"action":     string(action),
			"stage":      item.Component,
			"error_type": item.ErrorType,
			"status":     string(item.Status),
		})
		level := EventLevelInfo
		switch action {
		case dlq.ActionParked, dlq.ActionRetryFailed:
			level = EventLevelWarning
			logger.Warn("Dead letter item updated")
		default:
			logger.Info("Dead letter item updated")
		}
		o.publish(Event{
			Type:    EventTypeDLQ,
			RunID:   item.RunID,
			Stage:   item.Component,
			Level:   level,
			Message: "dead letter item " + string(action),
			Data: map[string]interface{}{
				"item_id":     item.ID,
				"action":      string(action),
				"error_type":  item.ErrorType,
				"retry_count": item.RetryCount,
			},
		})
	}
}

// RefreshDLQ replaces the DLQ gauges with the given queue stats.
func (o *Observer) RefreshDLQ(stats dlq.Stats) {
	groups := make([]DLQGroup, 0, len(stats.Groups)*3)
	for _, g := range stats.Groups {
		groups = append(groups,
			DLQGroup{Component: g.Component, ErrorType: g.ErrorType, Status: string(dlq.StatusPending), Count: g.Pending},
			DLQGroup{Component: g.Component, ErrorType: g.ErrorType, Status: string(dlq.StatusResolved), Count: g.Resolved},
			DLQGroup{Component: g.Component, ErrorType: g.ErrorType, Status: string(dlq.StatusFailed), Count: g.Failed},
		)
	}
	o.tel.Metrics.SetDLQItems(groups)
}

// RecordSweep records the outcome of one automatic sweep.
func (o *Observer) RecordSweep(res dlq.SweepResult) {
	o.tel.Metrics.RecordSweep(res.Succeeded, res.Failed, res.Skipped)
	if res.Attempted > 0 {
		o.tel.Logger.NewComponentLogger("dlq").WithFields(map[string]interface{}{
			"attempted": res.Attempted,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
		}).Info("Dead letter sweep finished")
	}
}

// ActiveRuns returns the number of runs with an open span.
func (o *Observer) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

func (o *Observer) publish(event Event) {
	if event.Source == "" && o.tel.Config != nil {
		event.Source = o.tel.Config.ServiceName
	}
	if err := o.tel.Events.Publish(event); err != nil {
		o.logger.WithError(err).Debug("Event dropped")
	}
}

func (o *Observer) recordSpanError(span trace.Span, err *engine.Error) {
	if err == nil {
		return
	}
	RecordError(span, err)
	attrs := []attribute.KeyValue{AttrErrorKind.String(string(err.Kind))}
	if err.Code != "" {
		attrs = append(attrs, AttrErrorCode.String(err.Code))
	}
	span.SetAttributes(attrs...)
}

func errorLabels(err *engine.Error) (kind, code string) {
	if err == nil {
		return "Unknown", ""
	}
	return string(err.Kind), err.Code
}

func errMessage(err *engine.Error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
