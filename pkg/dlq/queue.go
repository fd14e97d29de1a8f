package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// Replayer re-runs a parked unit of work as a fresh stage invocation.
// engine.Orchestrator implements it.
type Replayer interface {
	Replay(ctx context.Context, component string, payload json.RawMessage) error
}

// ReplayerFunc adapts a function to the Replayer interface.
type ReplayerFunc func(ctx context.Context, component string, payload json.RawMessage) error

// Replay implements Replayer.
func (f ReplayerFunc) Replay(ctx context.Context, component string, payload json.RawMessage) error {
	return f(ctx, component, payload)
}

// Action names a queue mutation reported to listeners.
type Action string

const (
	ActionParked      Action = "parked"
	ActionRetried     Action = "retried"
	ActionRetryFailed Action = "retry_failed"
	ActionResolved    Action = "resolved"
	ActionFailed      Action = "failed"
	ActionDeleted     Action = "deleted"
)

// Listener is notified after every successful queue mutation.
type Listener func(action Action, item Item)

// Queue exposes the operator actions on top of a Store.
// It implements engine.DeadLetterSink.
type Queue struct {
	store     Store
	replayer  Replayer
	listeners []Listener
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithReplayer sets the component used by Retry.
func WithReplayer(r Replayer) QueueOption {
	return func(q *Queue) {
		q.replayer = r
	}
}

// WithListener registers a mutation listener.
func WithListener(l Listener) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.listeners = append(q.listeners, l)
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger zerolog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a queue over store.
func NewQueue(store Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:    store,
		logger:   zerolog.Nop(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetReplayer sets the replayer after construction. The orchestrator that
// replays items usually needs the queue as its sink, so one side is wired late.
func (q *Queue) SetReplayer(r Replayer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replayer = r
}

func (q *Queue) notify(action Action, item *Item) {
	for _, l := range q.listeners {
		l(action, *item)
	}
}

// acquire guards an item against concurrent operator actions.
func (q *Queue) acquire(id string) (Replayer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	q.inflight[id] = struct{}{}
	return q.replayer, nil
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// Park stores exhausted stage work as a pending item.
func (q *Queue) Park(ctx context.Context, work engine.ParkedWork) (string, error) {
	payload, err := work.Payload.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal dlq payload: %w", err)
	}

	now := q.now().UTC()
	item := &Item{
		ID:           uuid.New().String(),
		Component:    work.Component,
		ErrorType:    string(work.ErrorType),
		ErrorMessage: work.Message,
		Payload:      payload,
		RunID:        work.RunID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       StatusPending,
	}

	if err := q.store.Insert(ctx, item); err != nil {
		return "", fmt.Errorf("failed to insert dlq item: %w", err)
	}

	q.logger.Info().
		Str("id", item.ID).
		Str("component", item.Component).
		Str("error_type", item.ErrorType).
		Int("attempts", work.Attempts).
		Msg("Work parked in dead letter queue")
	q.notify(ActionParked, item)
	return item.ID, nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	return q.store.Get(ctx, id)
}

// List returns items matching filter.
func (q *Queue) List(ctx context.Context, filter Filter) ([]*Item, error) {
	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			return nil, err
		}
	}
	return q.store.List(ctx, filter)
}

// Retry re-submits a pending item as a fresh stage invocation.
// On success the item is removed; on failure it stays pending with its retry
// count incremented and the replay error is returned.
func (q *Queue) Retry(ctx context.Context, id string) error {
	replayer, err := q.acquire(id)
	if err != nil {
		return err
	}
	defer q.release(id)

	if replayer == nil {
		return fmt.Errorf("dlq retry unavailable: no replayer configured")
	}

	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusPending {
		return fmt.Errorf("%w: cannot retry %s item %s", ErrInvalidTransition, item.Status, id)
	}

	logger := q.logger.With().Str("id", id).Str("component", item.Component).Logger()
	logger.Info().Int("retry_count", item.RetryCount).Msg("Retrying dead letter item")

	replayErr := replayer.Replay(ctx, item.Component, item.Payload)
	if replayErr == nil {
		if err := q.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("retry succeeded but item could not be removed: %w", err)
		}
		logger.Info().Msg("Dead letter item retried successfully")
		q.notify(ActionRetried, item)
		return nil
	}

	item.RetryCount++
	item.ErrorMessage = replayErr.Error()
	if err := q.store.UpdateStatus(ctx, id, StatusPending, item.RetryCount, item.ErrorMessage); err != nil {
		return fmt.Errorf("failed to record retry failure: %w", err)
	}
	logger.Warn().Err(replayErr).Int("retry_count", item.RetryCount).Msg("Dead letter retry failed")
	q.notify(ActionRetryFailed, item)
	return fmt.Errorf("retry of %s failed: %w", id, replayErr)
}

// Resolve marks a pending item as handled without re-running it.
func (q *Queue) Resolve(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusResolved, ActionResolved)
}

// Fail marks a pending item as permanently unrecoverable.
func (q *Queue) Fail(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusFailed, ActionFailed)
}

func (q *Queue) transition(ctx context.Context, id string, status Status, action Action) error {
	if _, err := q.acquire(id); err != nil {
		return err
	}
	defer q.release(id)

	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !item.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s for item %s", ErrInvalidTransition, item.Status, status, id)
	}

	if err := q.store.UpdateStatus(ctx, id, status, item.RetryCount, ""); err != nil {
		return err
	}
	item.Status = status

	q.logger.Info().Str("id", id).Str("status", string(status)).Msg("Dead letter item updated")
	q.notify(action, item)
	return nil
}

// Delete purges an item regardless of status.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if _, err := q.acquire(id); err != nil {
		return err
	}
	defer q.release(id)

	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}

	q.logger.Info().Str("id", id).Msg("Dead letter item deleted")
	q.notify(ActionDeleted, item)
	return nil
}

// Stats aggregates counts by component and error type.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if ss, ok := q.store.(StatsStore); ok {
		return ss.Stats(ctx)
	}

	items, err := q.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(items), nil
}

// Aggregate computes Stats from a list of items.
func Aggregate(items []*Item) Stats {
	type groupKey struct{ component, errorType string }
	groups := make(map[groupKey]*GroupStats)

	for _, item := range items {
		k := groupKey{item.Component, item.ErrorType}
		g, ok := groups[k]
		if !ok {
			g = &GroupStats{Component: item.Component, ErrorType: item.ErrorType}
			groups[k] = g
		}
		switch item.Status {
		case StatusPending:
			g.Pending++
		case StatusResolved:
			g.Resolved++
		case StatusFailed:
			g.Failed++
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component == keys[j].component {
			return keys[i].errorType < keys[j].errorType
		}
		return keys[i].component < keys[j].component
	})

	stats := NewStats()
	for _, k := range keys {
		stats.AddGroup(*groups[k])
	}
	return stats
}

// SweepResult summarizes one automatic sweep.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// SweepPending retries up to limit pending items, oldest first.
// Items marked failed or resolved are never swept.
func (q *Queue) SweepPending(ctx context.Context, limit int) (SweepResult, error) {
	var result SweepResult

	items, err := q.store.List(ctx, Filter{Status: StatusPending, Limit: limit})
	if err != nil {
		return result, fmt.Errorf("failed to list pending items: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Attempted++
		err := q.Retry(ctx, item.ID)
		switch {
		case err == nil:
			result.Succeeded++
		case errors.Is(err, ErrBusy), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
			result.Skipped++
		default:
			result.Failed++
		}
	}

	q.logger.Info().
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Dead letter sweep finished")
	return result, nil
}
