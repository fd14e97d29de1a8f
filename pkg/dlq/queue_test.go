package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

func parked(component string, kind engine.ErrorKind) engine.ParkedWork {
	return engine.ParkedWork{
		Component: component,
		ErrorType: kind,
		Message:   "boom",
		RunID:     "run-1",
		Attempts:  3,
		Payload: engine.ReplayPayload{
			Stage: component,
			RunID: "run-1",
		},
	}
}

func newTestQueue(t *testing.T, r Replayer, opts ...QueueOption) *Queue {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	opts = append([]QueueOption{WithClock(clock), WithReplayer(r)}, opts...)
	return NewQueue(NewMemoryStore(), opts...)
}

func TestQueue_Park(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)

	id, err := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "imaging", item.Component)
	assert.Equal(t, "ExecutionFailed", item.ErrorType)
	assert.Equal(t, "boom", item.ErrorMessage)
	assert.Equal(t, "run-1", item.RunID)
	assert.Equal(t, StatusPending, item.Status)
	assert.Zero(t, item.RetryCount)

	payload, err := engine.DecodeReplayPayload(item.Payload)
	require.NoError(t, err)
	assert.Equal(t, "imaging", payload.Stage)
}

func TestQueue_ListFilters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)

	a, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	b, _ := q.Park(ctx, parked("imaging", engine.KindTimeout))
	c, _ := q.Park(ctx, parked("calibration", engine.KindExecutionFailed))
	require.NoError(t, q.Resolve(ctx, c))

	all, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a, b, c}, []string{all[0].ID, all[1].ID, all[2].ID}, "oldest first")

	imaging, err := q.List(ctx, Filter{Component: "imaging"})
	require.NoError(t, err)
	assert.Len(t, imaging, 2)

	timeouts, err := q.List(ctx, Filter{ErrorType: "Timeout"})
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	assert.Equal(t, b, timeouts[0].ID)

	pending, err := q.List(ctx, Filter{Status: StatusPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a, pending[0].ID)

	_, err = q.List(ctx, Filter{Status: "bogus"})
	assert.Error(t, err)
}

func TestQueue_RetrySuccessRemovesItem(t *testing.T) {
	ctx := context.Background()
	var got json.RawMessage
	q := newTestQueue(t, ReplayerFunc(func(_ context.Context, component string, payload json.RawMessage) error {
		assert.Equal(t, "imaging", component)
		got = payload
		return nil
	}))

	id, err := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, id))
	assert.NotEmpty(t, got)

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_RetryFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ReplayerFunc(func(context.Context, string, json.RawMessage) error {
		return errors.New("still broken")
	}))

	id, err := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	require.NoError(t, err)

	err = q.Retry(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still broken")

	err = q.Retry(ctx, id)
	require.Error(t, err)

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 2, item.RetryCount)
	assert.Equal(t, "still broken", item.ErrorMessage)
}

func TestQueue_RetryWithoutReplayer(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)
	id, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))

	assert.Error(t, q.Retry(ctx, id))

	q.SetReplayer(ReplayerFunc(func(context.Context, string, json.RawMessage) error { return nil }))
	assert.NoError(t, q.Retry(ctx, id))
}

func TestQueue_Transitions(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ReplayerFunc(func(context.Context, string, json.RawMessage) error { return nil }))

	resolved, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	failed, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))

	require.NoError(t, q.Resolve(ctx, resolved))
	require.NoError(t, q.Fail(ctx, failed))

	item, err := q.Get(ctx, resolved)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, item.Status)

	item, err = q.Get(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)

	assert.ErrorIs(t, q.Resolve(ctx, failed), ErrInvalidTransition)
	assert.ErrorIs(t, q.Fail(ctx, resolved), ErrInvalidTransition)
	assert.ErrorIs(t, q.Retry(ctx, failed), ErrInvalidTransition, "failed items are not retried")
	assert.ErrorIs(t, q.Resolve(ctx, "missing"), ErrNotFound)

	require.NoError(t, q.Delete(ctx, failed))
	assert.ErrorIs(t, q.Delete(ctx, failed), ErrNotFound)
}

func TestQueue_BusyGuard(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	q := newTestQueue(t, ReplayerFunc(func(context.Context, string, json.RawMessage) error {
		close(entered)
		<-release
		return nil
	}))

	id, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))

	done := make(chan error, 1)
	go func() { done <- q.Retry(ctx, id) }()

	<-entered
	assert.ErrorIs(t, q.Retry(ctx, id), ErrBusy)
	assert.ErrorIs(t, q.Resolve(ctx, id), ErrBusy)
	assert.ErrorIs(t, q.Delete(ctx, id), ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestQueue_Stats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, nil)

	_, _ = q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	b, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	c, _ := q.Park(ctx, parked("imaging", engine.KindTimeout))
	_, _ = q.Park(ctx, parked("calibration", engine.KindExecutionFailed))
	require.NoError(t, q.Resolve(ctx, b))
	require.NoError(t, q.Fail(ctx, c))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.ByStatus[StatusResolved])
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
	assert.Equal(t, 3, stats.ByComponent["imaging"])
	assert.Equal(t, 3, stats.ByErrorType["ExecutionFailed"])

	require.Len(t, stats.Groups, 3)
	assert.Equal(t, GroupStats{Component: "calibration", ErrorType: "ExecutionFailed", Pending: 1, Total: 1}, stats.Groups[0])
	assert.Equal(t, GroupStats{Component: "imaging", ErrorType: "ExecutionFailed", Pending: 1, Resolved: 1, Total: 2}, stats.Groups[1])
	assert.Equal(t, GroupStats{Component: "imaging", ErrorType: "Timeout", Failed: 1, Total: 1}, stats.Groups[2])
}

func TestQueue_Listener(t *testing.T) {
	ctx := context.Background()
	var actions []Action
	q := newTestQueue(t,
		ReplayerFunc(func(context.Context, string, json.RawMessage) error { return errors.New("nope") }),
		WithListener(func(a Action, _ Item) { actions = append(actions, a) }),
	)

	id, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	_ = q.Retry(ctx, id)
	require.NoError(t, q.Resolve(ctx, id))
	require.NoError(t, q.Delete(ctx, id))

	assert.Equal(t, []Action{ActionParked, ActionRetryFailed, ActionResolved, ActionDeleted}, actions)
}

func TestQueue_SweepPending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ReplayerFunc(func(_ context.Context, component string, _ json.RawMessage) error {
		if component == "broken" {
			return errors.New("still broken")
		}
		return nil
	}))

	ok, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	bad, _ := q.Park(ctx, parked("broken", engine.KindExecutionFailed))
	done, _ := q.Park(ctx, parked("imaging", engine.KindExecutionFailed))
	require.NoError(t, q.Fail(ctx, done))

	result, err := q.SweepPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Attempted: 2, Succeeded: 1, Failed: 1}, result)

	_, err = q.Get(ctx, ok)
	assert.ErrorIs(t, err, ErrNotFound)

	item, err := q.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount)

	item, err = q.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status, "failed items are never swept")
}

func TestStatus(t *testing.T) {
	assert.NoError(t, StatusPending.Validate())
	assert.Error(t, Status("unknown").Validate())
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusResolved.IsTerminal())
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.False(t, StatusPending.CanTransition("bogus"))
	assert.False(t, StatusResolved.CanTransition(StatusPending))
}
