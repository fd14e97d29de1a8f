package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold:   2,
		Window:             time.Minute,
		CoolDown:           10 * time.Second,
		MaxCoolDown:        30 * time.Second,
		CoolDownMultiplier: 2,
	}
}

func newTestRegistry(t *testing.T, clock *fakeClock) *Registry {
	t.Helper()
	r, err := NewRegistry(testConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	return r
}

func TestRegistry_TripsAtThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	require.NoError(t, r.Allow(ctx, "casa"))
	r.RecordFailure(ctx, "casa")
	assert.Equal(t, Closed, r.State("casa").State)

	require.NoError(t, r.Allow(ctx, "casa"))
	r.RecordFailure(ctx, "casa")

	snap := r.State("casa")
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
	assert.Equal(t, clock.Now().Add(10*time.Second), snap.OpenedUntil)

	for i := 0; i < 5; i++ {
		err := r.Allow(ctx, "casa")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOpen))
	}

	assert.NoError(t, r.Allow(ctx, "other"), "breakers are independent per key")
}

func TestRegistry_WindowSlides(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure(ctx, "k")
	clock.Advance(2 * time.Minute)
	r.RecordFailure(ctx, "k")

	assert.Equal(t, Closed, r.State("k").State, "failures outside the window do not count")
	assert.Equal(t, 1, r.State("k").FailureCount)
}

func TestRegistry_HalfOpenSingleTrial(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	var transitions []string
	r.OnStateChange(func(key string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	r.RecordFailure(ctx, "k")
	r.RecordFailure(ctx, "k")
	clock.Advance(10 * time.Second)

	require.NoError(t, r.Allow(ctx, "k"), "first call after cool-down is the trial")
	assert.Equal(t, HalfOpen, r.State("k").State)
	assert.ErrorIs(t, r.Allow(ctx, "k"), ErrOpen, "only one trial at a time")

	r.RecordSuccess(ctx, "k")
	snap := r.State("k")
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.NoError(t, r.Allow(ctx, "k"))

	r.RecordFailure(ctx, "k")
	assert.Equal(t, Closed, r.State("k").State, "window is cleared after closing")

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestRegistry_TrialFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure(ctx, "k")
	r.RecordFailure(ctx, "k")

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Allow(ctx, "k"))
	r.RecordFailure(ctx, "k")

	snap := r.State("k")
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 20*time.Second, snap.CoolDown)

	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, r.Allow(ctx, "k"), ErrOpen, "cool-down was doubled")

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Allow(ctx, "k"))
	r.RecordFailure(ctx, "k")
	assert.Equal(t, 30*time.Second, r.State("k").CoolDown, "capped at max cool-down")
}

func TestRegistry_AbandonedTrialIsReplaced(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure(ctx, "k")
	r.RecordFailure(ctx, "k")
	clock.Advance(10 * time.Second)
	require.NoError(t, r.Allow(ctx, "k"))

	clock.Advance(10 * time.Second)
	assert.NoError(t, r.Allow(ctx, "k"))
}

func TestRegistry_ResetAndKeys(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	r.RecordFailure(ctx, "b")
	r.RecordFailure(ctx, "b")
	require.NoError(t, r.Allow(ctx, "a"))

	assert.Equal(t, []string{"a", "b"}, r.Keys())
	require.Len(t, r.Snapshots(), 2)

	require.NoError(t, r.Reset(ctx, "b"))
	assert.Equal(t, Closed, r.State("b").State)
	assert.NoError(t, r.Allow(ctx, "b"))
}

func TestRegistry_Configure(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)

	cfg := testConfig()
	cfg.FailureThreshold = 1
	require.NoError(t, r.Configure(cfg))
	assert.Equal(t, 1, r.Config().FailureThreshold)

	r.RecordFailure(ctx, "k")
	assert.Equal(t, Open, r.State("k").State)

	cfg.FailureThreshold = 0
	assert.Error(t, r.Configure(cfg))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxCoolDown = time.Second
	assert.Error(t, bad.Validate())

	_, err := NewRegistry(Config{})
	assert.Error(t, err)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry(DefaultConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if r.Allow(ctx, "shared") == nil {
					if (i+j)%3 == 0 {
						r.RecordFailure(ctx, "shared")
					} else {
						r.RecordSuccess(ctx, "shared")
					}
				}
				_ = r.State("shared")
			}
		}(i)
	}
	wg.Wait()
}

func TestMemoryWindow(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow()
	base := time.Now()

	n, _ := w.Add(ctx, "k", base, time.Second)
	assert.Equal(t, 1, n)
	n, _ = w.Add(ctx, "k", base.Add(500*time.Millisecond), time.Second)
	assert.Equal(t, 2, n)
	n, _ = w.Add(ctx, "k", base.Add(1600*time.Millisecond), time.Second)
	assert.Equal(t, 2, n)

	require.NoError(t, w.Reset(ctx, "k"))
	n, _ = w.Add(ctx, "k", base, time.Second)
	assert.Equal(t, 1, n)
}

func TestRedisWindow_FallbackToLocal(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	ctx := context.Background()
	now := time.Now()

	w := NewRedisWindow(client, RedisConfig{FallbackToLocal: true, Timeout: 200 * time.Millisecond}, zerolog.Nop())
	n, err := w.Add(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = w.Add(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	strict := NewRedisWindow(client, RedisConfig{Timeout: 200 * time.Millisecond}, zerolog.Nop())
	_, err = strict.Add(ctx, "k", now, time.Minute)
	assert.Error(t, err)
	assert.Equal(t, "contimg:breaker:{k}:failures", strict.key("k"))
}

func TestWindowScoreIsExactFloat(t *testing.T) {
	at := time.Date(2026, 10, 16, 12, 0, 0, 123456789, time.UTC)

	score := windowScore(at)
	assert.Equal(t, score, int64(float64(score)), "score must survive Redis float64 storage")
	assert.Equal(t, int64(1), windowScore(at.Add(time.Microsecond))-score)
	assert.Equal(t, time.Minute.Microseconds(), score-windowScore(at.Add(-time.Minute)))
}
