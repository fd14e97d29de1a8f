package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Window counts failures per key over a sliding time window.
type Window interface {
	// Add records a failure at the given time and returns the number of
	// failures inside [at-window, at].
	Add(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)

	// Reset forgets every failure recorded for key.
	Reset(ctx context.Context, key string) error
}

// MemoryWindow is a process-local Window.
type MemoryWindow struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewMemoryWindow creates an empty in-memory window.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{failures: make(map[string][]time.Time)}
}

// Add implements Window.
func (w *MemoryWindow) Add(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-window)
	kept := w.failures[key][:0]
	for _, ts := range w.failures[key] {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	w.failures[key] = kept
	return len(kept), nil
}

// Reset implements Window.
func (w *MemoryWindow) Reset(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, key)
	return nil
}

// RedisConfig configures a RedisWindow.
type RedisConfig struct {
	// Prefix is prepended to every key.
	Prefix string

	// Timeout bounds each Redis call.
	Timeout time.Duration

	// FallbackToLocal counts failures in process memory when Redis is unreachable.
	FallbackToLocal bool
}

// RedisWindow shares failure windows between several engine processes through
// a Redis sorted set per key.
type RedisWindow struct {
	client redis.UniversalClient
	config RedisConfig
	local  *MemoryWindow
	logger zerolog.Logger

	addScript *redis.Script
}

// NewRedisWindow creates a Redis-backed failure window.
func NewRedisWindow(client redis.UniversalClient, cfg RedisConfig, logger zerolog.Logger) *RedisWindow {
	if cfg.Prefix == "" {
		cfg.Prefix = "contimg:breaker"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &RedisWindow{
		client:    client,
		config:    cfg,
		local:     NewMemoryWindow(),
		logger:    logger,
		addScript: redis.NewScript(luaWindowAdd),
	}
}

func (w *RedisWindow) key(key string) string {
	return fmt.Sprintf("%s:{%s}:failures", w.config.Prefix, key)
}

// Add implements Window.
func (w *RedisWindow) Add(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	now := windowScore(at)
	windowStart := windowScore(at.Add(-window))

	result, err := w.addScript.Run(ctx, w.client, []string{w.key(key)},
		now,
		windowStart,
		uuid.New().String(),
		window.Milliseconds()+1000,
	).Int64()
	if err != nil {
		if w.config.FallbackToLocal {
			w.logger.Warn().Err(err).Str("key", key).Msg("Redis failure window unavailable, counting locally")
			return w.local.Add(ctx, key, at, window)
		}
		return 0, fmt.Errorf("failed to record failure in redis: %w", err)
	}

	return int(result), nil
}

// Reset implements Window.
func (w *RedisWindow) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	_ = w.local.Reset(ctx, key)
	if err := w.client.Del(ctx, w.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset redis failure window: %w", err)
	}
	return nil
}

// windowScore converts t to a sorted-set score. Redis stores scores as
// float64, so microseconds keep every score an exact integer.
func windowScore(t time.Time) int64 {
	return t.UnixMicro()
}

// Lua script for atomic sliding window failure counting
const luaWindowAdd = `
-- KEYS[1]: failure window key (sorted set)
-- ARGV[1]: failure time (microseconds)
-- ARGV[2]: window start time (microseconds)
-- ARGV[3]: unique member id
-- ARGV[4]: key ttl (milliseconds)

local window_key = KEYS[1]
local now = tonumber(ARGV[1])

-- Drop failures that slid out of the window
redis.call('ZREMRANGEBYSCORE', window_key, '-inf', '(' .. ARGV[2])

redis.call('ZADD', window_key, now, ARGV[3])
redis.call('PEXPIRE', window_key, tonumber(ARGV[4]))

return redis.call('ZCARD', window_key)
`
