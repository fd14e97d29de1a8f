package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/breaker"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stagerunner"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/telemetry"
)

// validate reports yaml field paths instead of Go field names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:         10,
			Retry:           engine.DefaultRetryPolicy(),
			IsolatedTimeout: time.Hour,
			Runner:          stagerunner.DefaultConfig(),
		},
		Breaker: BreakerConfig{
			Config: breaker.DefaultConfig(),
		},
		DLQ: DLQConfig{
			Path:          "contimg.db",
			SweepSchedule: dlq.DefaultSweepSchedule,
			SweepLimit:    100,
			SweepTimeout:  10 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			return nil, verrs.withFile(path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeStrict(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPipeline reads a standalone pipeline file. The file may hold the pipeline
// at the top level or under a "pipeline" key.
func LoadPipeline(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			return nil, verrs.withFile(path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return p, nil
}

// ParsePipeline decodes and validates a pipeline document.
func ParsePipeline(data []byte) (*PipelineConfig, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	p := &PipelineConfig{}
	if node, ok := top["pipeline"]; ok {
		if err := decodeNode(&node, p); err != nil {
			return nil, err
		}
	} else if err := decodeStrict(data, p); err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func decodeNode(node *yaml.Node, out interface{}) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to parse pipeline: %w", err)
	}
	return decodeStrict(data, out)
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	var errs ValidationErrors
	errs = append(errs, structErrors(c)...)

	if err := c.Engine.Retry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "engine.retry", Message: err.Error()})
	}
	if err := c.Breaker.Config.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "breaker", Message: err.Error()})
	}
	if c.DLQ.SweepSchedule != "" {
		if err := dlq.ValidateSchedule(c.DLQ.SweepSchedule); err != nil {
			errs = append(errs, ValidationError{Path: "dlq.sweep_schedule", Message: err.Error()})
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}
	if len(c.Pipeline.Stages) > 0 {
		errs = append(errs, c.Pipeline.check("pipeline.", c.Engine.Retry)...)
	}

	if len(errs) > 0 {
		return dedupe(errs)
	}
	return nil
}

// Validate checks the pipeline on its own, against the default retry policy.
func (p *PipelineConfig) Validate() error {
	errs := structErrors(p)
	errs = append(errs, p.check("", engine.DefaultRetryPolicy())...)
	if len(errs) > 0 {
		return dedupe(errs)
	}
	return nil
}

// check enforces rules that struct tags cannot express.
func (p *PipelineConfig) check(prefix string, retry engine.RetryPolicy) ValidationErrors {
	var errs ValidationErrors
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Path: prefix + "stages", Message: "pipeline has no stages"})
	}

	names := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name != "" && names[s.Name] {
			errs = append(errs, ValidationError{Path: prefix + "stages", Message: fmt.Sprintf("duplicate stage name %q", s.Name)})
		}
		names[s.Name] = true
	}

	for i, s := range p.Stages {
		path := fmt.Sprintf("%sstages[%d]", prefix, i)
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				errs = append(errs, ValidationError{Path: path + ".depends_on", Message: "stage depends on itself"})
			} else if !names[dep] {
				errs = append(errs, ValidationError{Path: path + ".depends_on", Message: fmt.Sprintf("unknown stage %q", dep)})
			}
		}
		if s.Retry != nil {
			if err := s.Retry.Apply(retry).Validate(); err != nil {
				errs = append(errs, ValidationError{Path: path + ".retry", Message: err.Error()})
			}
		}
		if _, err := json.Marshal(s.Params); err != nil {
			errs = append(errs, ValidationError{Path: path + ".params", Message: err.Error()})
		}
	}
	return errs
}

func structErrors(v interface{}) ValidationErrors {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

// fieldPath strips the root type name and inlined structs from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.ReplaceAll(namespace, ".Config.", ".")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s, got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s, got %v", fe.Param(), fe.Value())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s, got %v", fe.Param(), fe.Value())
	case "hostname_port":
		return fmt.Sprintf("must be host:port, got %v", fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func dedupe(errs ValidationErrors) ValidationErrors {
	seen := make(map[string]bool, len(errs))
	out := make(ValidationErrors, 0, len(errs))
	for _, e := range errs {
		key := e.Path + "\x00" + e.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
