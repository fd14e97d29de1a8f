// Package stagerunner runs stages in a child process so that a hard timeout
// can be enforced by killing the process.
//
// The parent side is ProcessRunner, which implements engine.IsolatedRunner.
// The child side is Serve, used by the stage-runner binary.
package stagerunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stagerunner/protocol"
)

// Error codes attached to runner failures.
const (
	ErrCodeRunnerStart   = "RUNNER_START_FAILED"
	ErrCodeRunnerCrashed = "RUNNER_CRASHED"
	ErrCodeProtocol      = "PROTOCOL_ERROR"
)

// Process is a started child speaking the protocol on its stdio.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr returns the captured tail of the child's stderr.
	Stderr() string
	Kill() error
	Wait() error
}

// StartFunc starts a new child process.
type StartFunc func(ctx context.Context) (Process, error)

// Config configures a ProcessRunner.
type Config struct {
	Binary         string        `yaml:"binary" json:"binary"`
	Args           []string      `yaml:"args" json:"args"`
	Env            []string      `yaml:"env" json:"env"`
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	StderrLimit    int           `yaml:"stderr_limit" json:"stderr_limit"`
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Binary:         "contimg-stage-runner",
		StartupTimeout: 10 * time.Second,
		ShutdownGrace:  5 * time.Second,
		StderrLimit:    8 * 1024,
	}
}

// ProcessRunner executes stages in a fresh child process per attempt.
type ProcessRunner struct {
	cfg    Config
	start  StartFunc
	logger zerolog.Logger
}

// Option configures a ProcessRunner.
type Option func(*ProcessRunner)

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *ProcessRunner) {
		r.logger = logger
	}
}

// WithStartFunc replaces how child processes are started.
func WithStartFunc(start StartFunc) Option {
	return func(r *ProcessRunner) {
		r.start = start
	}
}

// NewProcessRunner creates a runner. Zero config fields take their defaults.
func NewProcessRunner(cfg Config, opts ...Option) (*ProcessRunner, error) {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = def.StderrLimit
	}

	r := &ProcessRunner{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	r.start = r.startExec
	for _, opt := range opts {
		opt(r)
	}
	if r.start == nil {
		return nil, fmt.Errorf("start function is required")
	}
	return r, nil
}

// Run implements engine.IsolatedRunner.
func (r *ProcessRunner) Run(ctx context.Context, desc engine.StageDescriptor, ec engine.ExecutionContext, timeout time.Duration) (engine.Delta, error) {
	snap, err := ec.Snapshot()
	if err != nil {
		return engine.Delta{}, engine.Permanent(engine.NewExecutionError("failed to snapshot context", err))
	}

	if err := ctx.Err(); err != nil {
		return engine.Delta{}, engine.NewCancelledError(err)
	}
	if timeout <= 0 {
		timeout = engine.DefaultIsolatedTimeout
	}

	proc, err := r.start(ctx)
	if err != nil {
		return engine.Delta{}, engine.NewExecutionError("failed to start stage runner", err).WithCode(ErrCodeRunnerStart)
	}

	name := desc.Name
	if name == "" {
		name = desc.Type
	}
	cmd := &protocol.CommandMessage{
		ID:         uuid.New().String(),
		Stage:      name,
		Descriptor: desc,
		Snapshot:   snap,
		TimeoutMS:  timeout.Milliseconds(),
	}

	s := &session{
		runner: r,
		proc:   proc,
		cmd:    cmd,
		stop:   make(chan struct{}),
		logger: r.logger.With().Str("command_id", cmd.ID).Str("stage", name).Logger(),
	}
	return s.run(ctx, timeout)
}

type session struct {
	runner *ProcessRunner
	proc   Process
	cmd    *protocol.CommandMessage
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	killOnce sync.Once
}

// halt stops delivering messages; the reader keeps draining stdout so the
// child never blocks on a full pipe while exiting.
func (s *session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *session) kill() {
	s.killOnce.Do(func() {
		if err := s.proc.Kill(); err != nil {
			s.logger.Debug().Err(err).Msg("Kill failed")
		}
	})
}

// shutdown closes stdin so the child exits on its own, killing it after the grace period.
func (s *session) shutdown(graceful bool) {
	s.halt()
	_ = s.proc.Stdin().Close()
	if !graceful {
		s.kill()
	}

	done := make(chan error, 1)
	go func() { done <- s.proc.Wait() }()

	select {
	case <-done:
	case <-time.After(s.runner.cfg.ShutdownGrace):
		s.kill()
		<-done
	}
}

func (s *session) crashed(message string, cause error) *engine.Error {
	e := engine.NewExecutionError(message, cause).WithCode(ErrCodeRunnerCrashed)
	if tail := s.proc.Stderr(); tail != "" {
		e = e.WithDetail("stderr", tail)
	}
	return e
}

func (s *session) run(ctx context.Context, timeout time.Duration) (engine.Delta, error) {
	msgs := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	defer s.halt()

	go func() {
		dec := protocol.NewDecoder(s.proc.Stdout())
		for {
			msg, err := dec.Decode()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-s.stop:
			}
		}
	}()

	enc := protocol.NewEncoder(s.proc.Stdin())
	startup := time.NewTimer(s.runner.cfg.StartupTimeout)
	defer startup.Stop()

	var deadline <-chan time.Time
	ready := false

	for {
		select {
		case <-ctx.Done():
			s.shutdown(false)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return engine.Delta{}, engine.NewTimeoutError("isolated stage deadline exceeded", ctx.Err())
			}
			return engine.Delta{}, engine.NewCancelledError(ctx.Err())

		case <-startup.C:
			if ready {
				continue
			}
			s.shutdown(false)
			return engine.Delta{}, s.crashed(fmt.Sprintf("stage runner not ready within %s", s.runner.cfg.StartupTimeout), nil)

		case <-deadline:
			s.logger.Warn().Dur("timeout", timeout).Msg("Isolated stage timed out, killing runner")
			s.shutdown(false)
			return engine.Delta{}, engine.NewTimeoutError(fmt.Sprintf("isolated stage exceeded timeout of %s", timeout), nil)

		case err := <-readErr:
			s.shutdown(false)
			if errors.Is(err, io.EOF) {
				return engine.Delta{}, s.crashed("stage runner exited before completing the stage", nil)
			}
			return engine.Delta{}, s.crashed("unreadable stage runner output", err).WithCode(ErrCodeProtocol)

		case msg := <-msgs:
			switch msg.Type {
			case protocol.MessageTypeReady:
				if ready {
					continue
				}
				var rm protocol.ReadyMessage
				if err := protocol.ParseData(msg.Data, &rm); err != nil || !protocol.Compatible(rm.Version) {
					s.shutdown(false)
					return engine.Delta{}, s.crashed(fmt.Sprintf("stage runner speaks protocol %q, want %s", rm.Version, protocol.Version), err).
						WithCode(ErrCodeProtocol)
				}
				ready = true
				startup.Stop()
				if err := enc.EncodeCommand(s.cmd); err != nil {
					s.shutdown(false)
					return engine.Delta{}, s.crashed("failed to send command", err)
				}
				t := time.NewTimer(timeout)
				defer t.Stop()
				deadline = t.C

			case protocol.MessageTypeEvent:
				var evt protocol.EventMessage
				if err := protocol.ParseData(msg.Data, &evt); err == nil {
					s.logger.Debug().Str("level", evt.Level).Msg(evt.Message)
				}

			case protocol.MessageTypeDone:
				var done protocol.DoneMessage
				if err := protocol.ParseData(msg.Data, &done); err != nil {
					s.shutdown(false)
					return engine.Delta{}, s.crashed("invalid DONE message", err).WithCode(ErrCodeProtocol)
				}
				if done.CommandID != s.cmd.ID {
					continue
				}
				s.shutdown(true)
				return done.Delta(), nil

			case protocol.MessageTypeError:
				var em protocol.ErrorMessage
				if err := protocol.ParseData(msg.Data, &em); err != nil {
					s.shutdown(false)
					return engine.Delta{}, s.crashed("invalid ERROR message", err).WithCode(ErrCodeProtocol)
				}
				if em.CommandID != "" && em.CommandID != s.cmd.ID {
					continue
				}
				s.shutdown(true)
				return engine.Delta{}, em.Err()

			case protocol.MessageTypeExit:
				var exit protocol.ExitMessage
				_ = protocol.ParseData(msg.Data, &exit)
				s.logger.Debug().Str("reason", exit.Reason).Int("exit_code", exit.ExitCode).Msg("Stage runner exiting")
			}
		}
	}
}

// startExec starts the configured binary.
func (r *ProcessRunner) startExec(_ context.Context) (Process, error) {
	cmd := exec.Command(r.cfg.Binary, r.cfg.Args...)
	cmd.Env = append(os.Environ(), r.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := newTailBuffer(r.cfg.StderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.cfg.Binary, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() string        { return p.stderr.String() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
