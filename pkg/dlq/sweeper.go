package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs an automatic sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper periodically retries pending items on a cron schedule.
type Sweeper struct {
	queue   *Queue
	limit   int
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	running bool
	sweeps  int
	last    SweepResult
	hooks   []func(SweepResult)
}

// NewSweeper creates a sweeper retrying at most limit items per run.
func NewSweeper(queue *Queue, limit int, timeout time.Duration, logger zerolog.Logger) *Sweeper {
	if limit <= 0 {
		limit = 100
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Sweeper{
		queue:   queue,
		limit:   limit,
		timeout: timeout,
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser)),
	}
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression '%s': %w", spec, err)
	}
	return nil
}

// Start schedules sweeps according to spec and starts the scheduler.
func (s *Sweeper) Start(spec string) error {
	if err := s.Reschedule(spec); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", spec).Msg("Dead letter sweeper started")
	return nil
}

// Reschedule replaces the sweep schedule.
func (s *Sweeper) Reschedule(spec string) error {
	if err := ValidateSchedule(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec == s.spec && s.entry != 0 {
		return nil
	}

	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry = id
	s.spec = spec
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Dead letter sweeper stopped")
}

// OnSweep registers fn to be called after every completed sweep.
func (s *Sweeper) OnSweep(fn func(SweepResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Schedule returns the active cron expression.
func (s *Sweeper) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// LastResult returns the outcome of the most recent sweep and the number of sweeps run.
func (s *Sweeper) LastResult() (SweepResult, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.sweeps
}

// RunOnce performs one sweep unless another is already running.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return SweepResult{}, fmt.Errorf("sweep already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.queue.SweepPending(ctx, s.limit)

	s.mu.Lock()
	s.running = false
	s.sweeps++
	s.last = result
	hooks := append([]func(SweepResult){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(result)
	}
	return result, err
}

func (s *Sweeper) tick() {
	if _, err := s.RunOnce(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Dead letter sweep failed")
	}
}
