// Package breaker implements per-resource circuit breakers for stage execution.
//
// A Registry holds one breaker per resource key. Failures are counted in a
// sliding Window; once the count reaches the configured threshold the breaker
// opens and every call short-circuits until the cool-down elapses. The next
// call is a single HalfOpen trial: success closes the breaker, failure reopens
// it with a longer cool-down.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned by Allow while a breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the state of one breaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open short-circuits every call until the cool-down elapses.
	Open
	// HalfOpen lets exactly one trial call through.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the failure count inside Window that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`

	// Window is the sliding window failures are counted in.
	Window time.Duration `yaml:"window" json:"window" validate:"gt=0"`

	// CoolDown is how long a freshly opened breaker rejects calls.
	CoolDown time.Duration `yaml:"cool_down" json:"cool_down" validate:"gt=0"`

	// MaxCoolDown caps the cool-down after repeated trial failures.
	MaxCoolDown time.Duration `yaml:"max_cool_down" json:"max_cool_down" validate:"gtefield=CoolDown"`

	// CoolDownMultiplier scales the cool-down after each failed trial.
	CoolDownMultiplier float64 `yaml:"cool_down_multiplier" json:"cool_down_multiplier" validate:"gte=1"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Window:             time.Minute,
		CoolDown:           30 * time.Second,
		MaxCoolDown:        10 * time.Minute,
		CoolDownMultiplier: 2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.CoolDown <= 0 {
		return fmt.Errorf("cool-down must be positive")
	}
	if c.MaxCoolDown < c.CoolDown {
		return fmt.Errorf("max cool-down %s is shorter than cool-down %s", c.MaxCoolDown, c.CoolDown)
	}
	if c.CoolDownMultiplier < 1 {
		return fmt.Errorf("cool-down multiplier must be >= 1, got %f", c.CoolDownMultiplier)
	}
	return nil
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Key           string        `json:"key"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	OpenedUntil   time.Time     `json:"opened_until,omitempty"`
	CoolDown      time.Duration `json:"cool_down"`
}

// StateChangeFunc is notified after a breaker changes state.
type StateChangeFunc func(key string, from, to State)

type entry struct {
	state         State
	failureCount  int
	lastFailureAt time.Time
	openedUntil   time.Time
	coolDown      time.Duration
	trialInFlight bool
	trialStarted  time.Time
}

// Registry holds the breakers for all resource keys.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	window    Window
	entries   map[string]*entry
	listeners []StateChangeFunc
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithWindow sets the failure window implementation.
func WithWindow(w Window) Option {
	return func(r *Registry) {
		r.window = w
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry with the given configuration.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.window == nil {
		r.window = NewMemoryWindow()
	}
	return r, nil
}

// Configure replaces the configuration. Existing breakers keep their state;
// new thresholds and cool-downs apply from the next transition.
func (r *Registry) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid breaker config: %w", err)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.logger.Info().
		Int("failure_threshold", cfg.FailureThreshold).
		Dur("window", cfg.Window).
		Dur("cool_down", cfg.CoolDown).
		Msg("Circuit breaker configuration updated")
	return nil
}

// Config returns the current configuration.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// OnStateChange registers a listener for state transitions.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) entryFor(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{state: Closed, coolDown: r.cfg.CoolDown}
		r.entries[key] = e
	}
	return e
}

type transition struct {
	key      string
	from, to State
}

// Allow reports whether a call against key may proceed.
// While Open it returns an error wrapping ErrOpen; once the cool-down has
// elapsed exactly one caller is admitted as the HalfOpen trial.
func (r *Registry) Allow(_ context.Context, key string) error {
	r.mu.Lock()
	now := r.now()
	e := r.entryFor(key)
	var changed *transition

	switch e.state {
	case Open:
		if now.Before(e.openedUntil) {
			until := e.openedUntil
			r.mu.Unlock()
			return fmt.Errorf("%w: %s until %s", ErrOpen, key, until.Format(time.RFC3339))
		}
		e.state = HalfOpen
		e.trialInFlight = true
		e.trialStarted = now
		changed = &transition{key, Open, HalfOpen}

	case HalfOpen:
		// an abandoned trial is replaced after one cool-down
		if e.trialInFlight && now.Sub(e.trialStarted) < e.coolDown {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s trial in progress", ErrOpen, key)
		}
		e.trialInFlight = true
		e.trialStarted = now
	}

	listeners := r.listeners
	r.mu.Unlock()
	r.notify(listeners, changed)
	return nil
}

// RecordSuccess reports a successful call against key.
func (r *Registry) RecordSuccess(ctx context.Context, key string) {
	r.mu.Lock()
	e := r.entryFor(key)
	var changed *transition
	reset := false

	if e.state == HalfOpen {
		changed = &transition{key, HalfOpen, Closed}
		e.state = Closed
		e.failureCount = 0
		e.trialInFlight = false
		e.openedUntil = time.Time{}
		e.coolDown = r.cfg.CoolDown
		reset = true
	}

	listeners := r.listeners
	r.mu.Unlock()

	if reset {
		if err := r.window.Reset(ctx, key); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Failed to reset failure window")
		}
	}
	r.notify(listeners, changed)
}

// RecordFailure reports a failed call against key.
func (r *Registry) RecordFailure(ctx context.Context, key string) {
	now := r.now()

	r.mu.Lock()
	window := r.cfg.Window
	r.mu.Unlock()

	count, err := r.window.Add(ctx, key, now, window)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to record failure in window")
	}

	r.mu.Lock()
	e := r.entryFor(key)
	e.lastFailureAt = now
	var changed *transition

	switch e.state {
	case HalfOpen:
		next := float64(e.coolDown) * r.cfg.CoolDownMultiplier
		if next > float64(r.cfg.MaxCoolDown) {
			next = float64(r.cfg.MaxCoolDown)
		}
		e.coolDown = time.Duration(next)
		e.state = Open
		e.trialInFlight = false
		e.openedUntil = now.Add(e.coolDown)
		e.failureCount = count
		changed = &transition{key, HalfOpen, Open}

	case Closed:
		e.failureCount = count
		if count >= r.cfg.FailureThreshold {
			e.state = Open
			e.coolDown = r.cfg.CoolDown
			e.openedUntil = now.Add(e.coolDown)
			changed = &transition{key, Closed, Open}
		}

	case Open:
		e.failureCount = count
	}

	listeners := r.listeners
	r.mu.Unlock()
	r.notify(listeners, changed)
}

// State returns a snapshot of the breaker for key.
func (r *Registry) State(key string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryFor(key)
	return Snapshot{
		Key:           key,
		State:         e.state,
		FailureCount:  e.failureCount,
		LastFailureAt: e.lastFailureAt,
		OpenedUntil:   e.openedUntil,
		CoolDown:      e.coolDown,
	}
}

// Snapshots returns snapshots of every known breaker sorted by key.
func (r *Registry) Snapshots() []Snapshot {
	keys := r.Keys()
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.State(k))
	}
	return out
}

// Keys returns the known resource keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset forces the breaker for key back to Closed and clears its window.
func (r *Registry) Reset(ctx context.Context, key string) error {
	r.mu.Lock()
	e := r.entryFor(key)
	var changed *transition
	if e.state != Closed {
		changed = &transition{key, e.state, Closed}
	}
	*e = entry{state: Closed, coolDown: r.cfg.CoolDown}
	listeners := r.listeners
	r.mu.Unlock()

	r.notify(listeners, changed)
	return r.window.Reset(ctx, key)
}

func (r *Registry) notify(listeners []StateChangeFunc, t *transition) {
	if t == nil {
		return
	}

	event := r.logger.Info()
	if t.to == Open {
		event = r.logger.Warn()
	}
	event.
		Str("key", t.key).
		Str("from", t.from.String()).
		Str("to", t.to.String()).
		Msg("Circuit breaker state changed")

	for _, fn := range listeners {
		fn(t.key, t.from, t.to)
	}
}
