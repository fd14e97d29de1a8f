package breaker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/breaker"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStage struct {
	engine.BaseStage
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *flakyStage) Name() string { return "E" }

func (s *flakyStage) Execute(_ context.Context, ec engine.ExecutionContext) (engine.ExecutionContext, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return ec, errors.New("imaging server unreachable")
	}
	return ec.WithOutput("image", "ok"), nil
}

func TestBreakerShortCircuitsStage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg, err := breaker.NewRegistry(breaker.Config{
		FailureThreshold:   2,
		Window:             time.Minute,
		CoolDown:           30 * time.Second,
		MaxCoolDown:        time.Minute,
		CoolDownMultiplier: 2,
	}, breaker.WithClock(clock))
	require.NoError(t, err)

	stage := &flakyStage{}
	stage.fail.Store(true)

	policy := engine.DefaultRetryPolicy()
	policy.MaxAttempts = 5
	orch, err := engine.NewOrchestrator(
		[]engine.StageDefinition{{Name: "E", RetryPolicy: policy}},
		[]engine.Stage{stage},
		engine.WithBreaker(reg),
		engine.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, err)

	result, err := orch.Run(ctx, engine.NewExecutionContext(nil, nil))
	require.Error(t, err)

	attempts := result.ResultsFor("E")
	require.Len(t, attempts, 3, "two failures then a short-circuit that is not retried")
	assert.Equal(t, engine.KindExecutionFailed, attempts[0].Error.Kind)
	assert.Equal(t, engine.KindExecutionFailed, attempts[1].Error.Kind)
	assert.Equal(t, engine.KindCircuitOpen, attempts[2].Error.Kind)
	assert.EqualValues(t, 2, stage.calls.Load(), "execute is not called while open")
	assert.Equal(t, breaker.Open, reg.State("E").State)

	_, err = orch.Run(ctx, engine.NewExecutionContext(nil, nil))
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindCircuitOpen))
	assert.EqualValues(t, 2, stage.calls.Load())

	now = now.Add(30 * time.Second)
	stage.fail.Store(false)

	result, err = orch.Run(ctx, engine.NewExecutionContext(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, engine.PipelineStatusCompleted, result.Status)
	assert.EqualValues(t, 3, stage.calls.Load(), "one trial after the cool-down")
	assert.Equal(t, breaker.Closed, reg.State("E").State)
}
