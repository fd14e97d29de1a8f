package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// StageEvent describes one stage lifecycle transition.
type StageEvent struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Attempt   int           `json:"attempt"`
	Mode      ExecutionMode `json:"mode"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
	Err       *Error        `json:"error,omitempty"`

	// Backoff is the delay before the next attempt, set on retry events.
	Backoff time.Duration `json:"backoff,omitempty"`
}

// Observer receives lifecycle events. Observers are never required for
// correctness; they are used for metrics, tracing and history.
type Observer interface {
	StageStarted(ev StageEvent)
	StageSucceeded(ev StageEvent)
	StageFailed(ev StageEvent)
	StageRetrying(ev StageEvent)
	PipelineCompleted(result *PipelineResult)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StageStarted(StageEvent)           {}
func (NopObserver) StageSucceeded(StageEvent)         {}
func (NopObserver) StageFailed(StageEvent)            {}
func (NopObserver) StageRetrying(StageEvent)          {}
func (NopObserver) PipelineCompleted(*PipelineResult) {}

// MultiObserver fans events out to several observers.
// A panicking observer is logged and does not affect the others.
type MultiObserver struct {
	observers []Observer
	logger    zerolog.Logger
}

// NewMultiObserver creates an observer that notifies each of observers in order.
func NewMultiObserver(logger zerolog.Logger, observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers, logger: logger}
}

// Add registers another observer.
func (m *MultiObserver) Add(o Observer) {
	if o != nil {
		m.observers = append(m.observers, o)
	}
}

// Len returns the number of registered observers.
func (m *MultiObserver) Len() int {
	return len(m.observers)
}

func (m *MultiObserver) StageStarted(ev StageEvent) {
	m.each(ev.Type, func(o Observer) { o.StageStarted(ev) })
}

func (m *MultiObserver) StageSucceeded(ev StageEvent) {
	m.each(ev.Type, func(o Observer) { o.StageSucceeded(ev) })
}

func (m *MultiObserver) StageFailed(ev StageEvent) {
	m.each(ev.Type, func(o Observer) { o.StageFailed(ev) })
}

func (m *MultiObserver) StageRetrying(ev StageEvent) {
	m.each(ev.Type, func(o Observer) { o.StageRetrying(ev) })
}

func (m *MultiObserver) PipelineCompleted(result *PipelineResult) {
	m.each(EventPipelineCompleted, func(o Observer) { o.PipelineCompleted(result) })
}

func (m *MultiObserver) each(event EventType, fn func(Observer)) {
	for _, o := range m.observers {
		m.safely(event, o, fn)
	}
}

func (m *MultiObserver) safely(event EventType, o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("event", string(event)).
				Str("observer", fmt.Sprintf("%T", o)).
				Interface("panic", r).
				Msg("Observer panicked")
		}
	}()
	fn(o)
}
