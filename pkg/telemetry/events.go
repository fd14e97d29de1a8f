package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification fanned out to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"run_id,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeRunCompleted        = "run.completed"
	EventTypeRunFailed           = "run.failed"
	EventTypeStageStarted        = "stage.started"
	EventTypeStageSucceeded      = "stage.succeeded"
	EventTypeStageFailed         = "stage.failed"
	EventTypeStageRetrying       = "stage.retrying"
	EventTypeBreakerStateChanged = "breaker.state_changed"
	EventTypeDLQ                 = "dlq.action"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

var (
	ErrPublisherClosed = errors.New("event publisher stopped")
	ErrBufferFull      = errors.New("event buffer full")
)

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher delivers events to subscribers in publish order.
// In async mode delivery happens on one background goroutine in batches of
// MaxBatchSize or every FlushInterval, and Publish never blocks.
type EventPublisher struct {
	cfg EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// NewEventPublisher returns a publisher; a disabled config yields one that accepts and discards events.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if cfg.Enabled && cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("async event publisher needs a positive buffer size, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	ep := &EventPublisher{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.Enabled && cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.loop()
	} else {
		close(ep.done)
	}
	return ep, nil
}

// Subscribe registers fn for the events accepted by filter; a nil filter accepts all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps missing ID, timestamp and level, then delivers or enqueues event.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.cfg.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}

	if ep.queue == nil {
		ep.deliverLocked(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("%w: %s dropped", ErrBufferFull, event.Type)
	}
}

// Dropped returns how many events were rejected because the buffer was full.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

func (ep *EventPublisher) loop() {
	defer close(ep.done)

	ticker := time.NewTicker(ep.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.cfg.MaxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ep.mu.RLock()
		for _, event := range batch {
			ep.deliverLocked(event)
		}
		ep.mu.RUnlock()
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.queue:
			batch = append(batch, event)
			if len(batch) >= ep.cfg.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			// Publish can no longer enqueue, so the queue drains to empty.
			for {
				select {
				case event := <-ep.queue:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverLocked runs the subscribers; callers hold ep.mu for reading.
func (ep *EventPublisher) deliverLocked(event Event) {
	for _, sub := range ep.subs {
		if sub.filter == nil || sub.filter(event) {
			sub.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.cfg.Enabled {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.stop)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at minLevel or more severe.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool { return levelRank[event.Level] >= floor }
}

// FilterByType accepts events whose type is one of types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool { return event.RunID == runID }
}

func FilterByStage(stage string) EventFilter {
	return func(event Event) bool { return event.Stage == stage }
}
