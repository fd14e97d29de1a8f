package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/breaker"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stagerunner"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/telemetry"
)

// Config is the complete engine configuration.
type Config struct {
	// Engine configures the orchestrator and the isolated stage runner.
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Breaker configures the circuit breaker registry.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// DLQ configures the dead letter store and the automatic sweep.
	DLQ DLQConfig `yaml:"dlq" json:"dlq"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" validate:"-"`

	// Pipeline is an optional inline pipeline.
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	// Workers bounds the number of concurrently running stages.
	Workers int `yaml:"workers" json:"workers" validate:"min=1,max=1024"`

	// Retry is the policy for stages that do not set their own.
	Retry engine.RetryPolicy `yaml:"retry" json:"retry"`

	// IsolatedTimeout is the hard timeout for isolated stages without one.
	IsolatedTimeout time.Duration `yaml:"isolated_timeout" json:"isolated_timeout" validate:"gt=0"`

	// Runner configures the child process used by isolated stages.
	Runner stagerunner.Config `yaml:"runner" json:"runner"`
}

// BreakerConfig configures circuit breakers, optionally sharing failure windows through Redis.
type BreakerConfig struct {
	breaker.Config `yaml:",inline"`

	// Redis enables a shared failure window when set.
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig configures the shared breaker failure window.
type RedisConfig struct {
	// Addr is the Redis address (host:port).
	Addr string `yaml:"addr" json:"addr" validate:"required,hostname_port"`

	// Password is the optional Redis password.
	Password string `yaml:"password" json:"-"`

	// DB selects the Redis database.
	DB int `yaml:"db" json:"db" validate:"gte=0"`

	// Prefix is prepended to every breaker key.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Timeout bounds each Redis call.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// FallbackToLocal counts failures in process memory while Redis is unreachable.
	FallbackToLocal bool `yaml:"fallback_to_local" json:"fallback_to_local"`
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	// Path is the SQLite database file; ":memory:" keeps the queue in memory.
	Path string `yaml:"path" json:"path" validate:"required"`

	// SweepSchedule is the cron expression of the automatic retry sweep. Empty disables it.
	SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`

	// SweepLimit bounds the items retried by one sweep.
	SweepLimit int `yaml:"sweep_limit" json:"sweep_limit" validate:"gte=0"`

	// SweepTimeout bounds one sweep.
	SweepTimeout time.Duration `yaml:"sweep_timeout" json:"sweep_timeout" validate:"gte=0"`

	// HistoryRetention is how long run history is kept. Zero keeps everything.
	HistoryRetention time.Duration `yaml:"history_retention" json:"history_retention" validate:"gte=0"`
}

// PipelineConfig describes a pipeline as a list of stages.
type PipelineConfig struct {
	// Name is the pipeline name.
	Name string `yaml:"name" json:"name"`

	// Description is free text shown by the CLI.
	Description string `yaml:"description" json:"description,omitempty"`

	// Stages lists the stages in any order; dependencies define execution order.
	Stages []StageConfig `yaml:"stages" json:"stages" validate:"dive"`
}

// StageConfig describes one stage of a pipeline.
type StageConfig struct {
	// Name identifies the stage within the pipeline.
	Name string `yaml:"name" json:"name" validate:"required,max=128"`

	// Type selects the stage factory (e.g. "command").
	Type string `yaml:"type" json:"type" validate:"required"`

	// Params is the type-specific configuration.
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`

	// DependsOn lists the stages that must complete first.
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty" validate:"dive,required"`

	// Mode is direct, isolated or remote. Empty means direct.
	Mode string `yaml:"mode" json:"mode,omitempty" validate:"omitempty,oneof=direct isolated remote"`

	// Timeout bounds a single attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty" validate:"gte=0"`

	// Retry overrides fields of the default retry policy.
	Retry *RetryOverride `yaml:"retry" json:"retry,omitempty"`

	// BreakerKey names the protected resource. Empty means the stage name.
	BreakerKey string `yaml:"breaker_key" json:"breaker_key,omitempty"`

	// Optional marks the stage non-critical.
	Optional bool `yaml:"optional" json:"optional,omitempty"`
}

// RetryOverride holds the retry fields a stage sets explicitly.
type RetryOverride struct {
	MaxAttempts    *int               `yaml:"max_attempts" json:"max_attempts,omitempty" validate:"omitempty,min=1"`
	InitialBackoff *time.Duration     `yaml:"initial_backoff" json:"initial_backoff,omitempty"`
	MaxBackoff     *time.Duration     `yaml:"max_backoff" json:"max_backoff,omitempty"`
	Multiplier     *float64           `yaml:"multiplier" json:"multiplier,omitempty"`
	Jitter         *float64           `yaml:"jitter" json:"jitter,omitempty"`
	RetryableKinds []engine.ErrorKind `yaml:"retryable_kinds" json:"retryable_kinds,omitempty"`
}

// Apply returns base with the overridden fields replaced.
func (r *RetryOverride) Apply(base engine.RetryPolicy) engine.RetryPolicy {
	if r == nil {
		return base
	}
	p := base
	p.RetryableKinds = append([]engine.ErrorKind(nil), base.RetryableKinds...)
	if r.MaxAttempts != nil {
		p.MaxAttempts = *r.MaxAttempts
	}
	if r.InitialBackoff != nil {
		p.InitialBackoff = *r.InitialBackoff
	}
	if r.MaxBackoff != nil {
		p.MaxBackoff = *r.MaxBackoff
	}
	if r.Multiplier != nil {
		p.Multiplier = *r.Multiplier
	}
	if r.Jitter != nil {
		p.Jitter = *r.Jitter
	}
	if r.RetryableKinds != nil {
		p.RetryableKinds = append([]engine.ErrorKind(nil), r.RetryableKinds...)
	}
	return p
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	// File is the source file path, if known.
	File string `json:"file,omitempty"`

	// Path is the dotted field path (e.g. "pipeline.stages[1].mode").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid configuration: " + v[0].String()
	}
	lines := make([]string, 0, len(v))
	for _, e := range v {
		lines = append(lines, "  "+e.String())
	}
	return fmt.Sprintf("invalid configuration (%d errors):\n%s", len(v), strings.Join(lines, "\n"))
}

func (v ValidationErrors) withFile(file string) ValidationErrors {
	for i := range v {
		if v[i].File == "" {
			v[i].File = file
		}
	}
	return v
}
