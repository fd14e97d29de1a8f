package stagerunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stagerunner/protocol"
)

// StageBuilder rebuilds stages from their descriptors inside the child process.
type StageBuilder interface {
	FromDescriptor(name string, desc engine.StageDescriptor) (engine.Stage, error)
	Types() []string
}

// Exit reasons reported in the EXIT message.
const (
	ExitStdinClosed = "stdin_closed"
	ExitCancelled   = "cancelled"
	ExitError       = "error"
)

// Server executes CMD messages read from in and answers on out.
type Server struct {
	builder StageBuilder
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	logger  zerolog.Logger

	commands int
}

// NewServer creates a child-side server.
func NewServer(builder StageBuilder, in io.Reader, out io.Writer, logger zerolog.Logger) *Server {
	return &Server{
		builder: builder,
		enc:     protocol.NewEncoder(out),
		dec:     protocol.NewDecoder(in),
		logger:  logger,
	}
}

// Serve runs the child loop until in is closed or ctx is cancelled and
// returns the process exit code.
func Serve(ctx context.Context, builder StageBuilder, in io.Reader, out io.Writer, logger zerolog.Logger) int {
	return NewServer(builder, in, out, logger).Serve(ctx)
}

type decoded struct {
	cmd *protocol.CommandMessage
	err error
}

// Serve implements the command loop.
func (s *Server) Serve(ctx context.Context) int {
	ready := &protocol.ReadyMessage{
		Version:    protocol.Version,
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		PID:        os.Getpid(),
		StageTypes: s.builder.Types(),
	}
	if err := s.enc.EncodeReady(ready); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send READY")
		return 1
	}

	cmds := make(chan decoded)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			cmd, err := s.dec.DecodeCommand()
			select {
			case cmds <- decoded{cmd: cmd, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.exit(ExitCancelled, 0)

		case d := <-cmds:
			if errors.Is(d.err, io.EOF) {
				return s.exit(ExitStdinClosed, 0)
			}
			if d.err != nil {
				_ = s.enc.EncodeError(&protocol.ErrorMessage{
					Code:    string(engine.KindInvalidDefinition),
					Message: d.err.Error(),
				})
				return s.exit(ExitError, 1)
			}
			s.commands++
			s.handle(ctx, d.cmd)
		}
	}
}

func (s *Server) exit(reason string, code int) int {
	_ = s.enc.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.commands,
	})
	return code
}

func (s *Server) handle(ctx context.Context, cmd *protocol.CommandMessage) {
	logger := s.logger.With().Str("command_id", cmd.ID).Str("stage", cmd.Stage).Logger()
	start := time.Now()

	delta, err := s.execute(ctx, cmd)
	if err != nil {
		logger.Warn().Err(err).Msg("Stage failed")
		_ = s.enc.EncodeError(protocol.ErrorFromEngine(cmd.ID, err))
		return
	}

	if err := s.enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Outputs:   delta.Outputs,
		Metadata:  delta.Metadata,
		Duration:  time.Since(start).Seconds(),
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to send DONE")
		_ = s.enc.EncodeError(protocol.ErrorFromEngine(cmd.ID,
			engine.Permanent(engine.NewExecutionError("stage outputs are not serializable", err))))
	}
}

func (s *Server) execute(ctx context.Context, cmd *protocol.CommandMessage) (delta engine.Delta, err error) {
	stage, err := s.builder.FromDescriptor(cmd.Stage, cmd.Descriptor)
	if err != nil {
		return engine.Delta{}, engine.Permanent(engine.NewError(engine.KindInvalidDefinition, "failed to build stage", err))
	}

	in := engine.FromSnapshot(cmd.Snapshot)
	out := in

	defer func() {
		if cerr := stage.Cleanup(context.WithoutCancel(ctx), out); cerr != nil {
			s.logger.Warn().Err(cerr).Str("stage", cmd.Stage).Msg("Stage cleanup failed")
		}
	}()

	execCtx := ctx
	if t := cmd.Timeout(); t > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	_ = s.enc.EncodeEvent(&protocol.EventMessage{
		CommandID: cmd.ID,
		Level:     "debug",
		Message:   fmt.Sprintf("executing %s stage %s", cmd.Descriptor.Type, cmd.Stage),
	})

	result, err := safeExecute(execCtx, stage, in)
	if err != nil {
		if ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return engine.Delta{}, engine.NewTimeoutError(fmt.Sprintf("stage exceeded timeout of %s", cmd.Timeout()), err)
		}
		return engine.Delta{}, err
	}

	out = result
	return result.Delta(in), nil
}

func safeExecute(ctx context.Context, stage engine.Stage, in engine.ExecutionContext) (out engine.ExecutionContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewExecutionError(fmt.Sprintf("stage panicked: %v", r), nil).WithCode(engine.ErrCodeStagePanic)
		}
	}()
	return stage.Execute(ctx, in)
}
