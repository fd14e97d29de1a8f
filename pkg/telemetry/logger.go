package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// Logger is the structured logger shared by the CLI and the observer.
// Derived loggers share the parent's output; only the root owns a file handle.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

type loggerKey struct{}

var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
	"rfc3339":   time.RFC3339,
}

// fallback is handed out by FromContext when ctx carries no logger.
var fallback = &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)}

// NewLogger opens cfg.Output and builds a logger in cfg.Format.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, closer, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	if format, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = format
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: closer != nil}
	}

	l := NewLoggerFromWriter(out, cfg)
	l.closer = closer
	return l, nil
}

func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

// NewLoggerFromWriter writes JSON lines to w at cfg.Level.
// cfg.Output and cfg.Format are ignored.
func NewLoggerFromWriter(w io.Writer, cfg LoggingConfig) *Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog exposes the underlying logger for the library packages' WithLogger options.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close closes the log file when Output named one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or a warn-level stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return fallback
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags every line with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

func (l *Logger) WithStage(stage string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("stage", stage) })
}

// WithStageEvent adds the run, stage, attempt and execution mode of ev.
func (l *Logger) WithStageEvent(ev engine.StageEvent) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		c = c.Str("run_id", ev.RunID).Str("stage", ev.Stage)
		if ev.Attempt > 0 {
			c = c.Int("attempt", ev.Attempt)
		}
		if ev.Mode != "" {
			c = c.Str("mode", string(ev.Mode))
		}
		return c
	})
}

// WithEngineError adds the classified error with its kind and code.
// A nil err leaves the logger unchanged.
func (l *Logger) WithEngineError(err *engine.Error) *Logger {
	if err == nil {
		return l
	}
	return l.with(func(c zerolog.Context) zerolog.Context {
		c = c.Err(err).Str("error_kind", string(err.Kind))
		if err.Code != "" {
			c = c.Str("error_code", err.Code)
		}
		return c
	})
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
