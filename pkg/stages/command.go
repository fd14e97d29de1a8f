package stages

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// CommandType is the stage type of CommandStage.
const CommandType = "command"

// stderrTail bounds the stderr kept in error details.
const stderrTail = 4096

var validate = validator.New()

// CommandParams configures a CommandStage.
//
// Args, Env values, WorkDir and ProducesFiles are text/template strings rendered
// against the execution context, e.g. "{{.Inputs.ms}}" or "{{.Outputs.caltable}}".
type CommandParams struct {
	Program string            `json:"program" yaml:"program" validate:"required"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	WorkDir string            `json:"work_dir,omitempty" yaml:"work_dir"`

	// Requires lists input or output keys that must be present before running.
	Requires []string `json:"requires,omitempty" yaml:"requires"`

	// Output stores trimmed stdout under this output key.
	Output string `json:"output,omitempty" yaml:"output" validate:"excluded_with=JSONOutput"`

	// JSONOutput parses stdout as a JSON object and merges it into the outputs.
	JSONOutput bool `json:"json_output,omitempty" yaml:"json_output"`

	// Produces lists output keys that must exist after execution.
	Produces []string `json:"produces,omitempty" yaml:"produces"`

	// ProducesFiles lists files that must exist after execution.
	ProducesFiles []string `json:"produces_files,omitempty" yaml:"produces_files"`

	// Checksum records the sha256 of each produced file in the stage metadata.
	Checksum bool `json:"checksum,omitempty" yaml:"checksum"`

	// Scratch creates a temporary directory exposed to templates as {{.Scratch}}.
	Scratch bool `json:"scratch,omitempty" yaml:"scratch"`

	// PermanentExitCodes are exit codes that must not be retried.
	PermanentExitCodes []int `json:"permanent_exit_codes,omitempty" yaml:"permanent_exit_codes" validate:"dive,min=1,max=255"`
}

// CommandStage runs an external program.
type CommandStage struct {
	name   string
	params CommandParams
	raw    json.RawMessage
}

// NewCommandStage is the Factory for CommandType.
func NewCommandStage(name string, params json.RawMessage) (engine.Stage, error) {
	var p CommandParams
	if len(params) > 0 {
		dec := json.NewDecoder(bytes.NewReader(params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("invalid command params: %w", err)
		}
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid command params: %w", err)
	}

	for _, s := range append(append([]string{p.WorkDir}, p.Args...), p.ProducesFiles...) {
		if _, err := parseTemplate(s); err != nil {
			return nil, fmt.Errorf("invalid template %q: %w", s, err)
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command params: %w", err)
	}
	return &CommandStage{name: name, params: p, raw: raw}, nil
}

// Name implements engine.Stage.
func (s *CommandStage) Name() string { return s.name }

// Params returns the stage parameters.
func (s *CommandStage) Params() CommandParams { return s.params }

// Descriptor implements engine.Describer.
func (s *CommandStage) Descriptor() engine.StageDescriptor {
	return engine.StageDescriptor{Name: s.name, Type: CommandType, Params: s.raw}
}

// Validate checks required keys and that the program can be found.
func (s *CommandStage) Validate(ec engine.ExecutionContext) (bool, string) {
	for _, key := range s.params.Requires {
		if _, ok := ec.Input(key); ok {
			continue
		}
		if _, ok := ec.Output(key); ok {
			continue
		}
		return false, fmt.Sprintf("required key %q is missing", key)
	}
	if _, err := exec.LookPath(s.params.Program); err != nil {
		return false, fmt.Sprintf("program %s not found: %v", s.params.Program, err)
	}
	return true, ""
}

// Execute runs the program and maps its stdout into outputs.
func (s *CommandStage) Execute(ctx context.Context, ec engine.ExecutionContext) (out engine.ExecutionContext, err error) {
	var scratch string
	if s.params.Scratch {
		scratch, err = os.MkdirTemp("", "contimg-"+s.name+"-")
		if err != nil {
			return engine.ExecutionContext{}, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer func() {
			if err != nil {
				_ = os.RemoveAll(scratch)
			}
		}()
	}
	data := newTemplateData(ec, scratch)

	args := make([]string, len(s.params.Args))
	for i, a := range s.params.Args {
		if args[i], err = render(a, data); err != nil {
			return engine.ExecutionContext{}, engine.Permanent(fmt.Errorf("failed to render argument %d: %w", i, err))
		}
	}

	cmd := exec.CommandContext(ctx, s.params.Program, args...)
	cmd.WaitDelay = 5 * time.Second
	if s.params.WorkDir != "" {
		if cmd.Dir, err = render(s.params.WorkDir, data); err != nil {
			return engine.ExecutionContext{}, engine.Permanent(fmt.Errorf("failed to render work_dir: %w", err))
		}
	}
	if len(s.params.Env) > 0 {
		env := os.Environ()
		for _, k := range sortedKeys(s.params.Env) {
			v, err := render(s.params.Env[k], data)
			if err != nil {
				return engine.ExecutionContext{}, engine.Permanent(fmt.Errorf("failed to render env %s: %w", k, err))
			}
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout bytes.Buffer
	stderr := &boundedBuffer{limit: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.ExecutionContext{}, fmt.Errorf("%s interrupted: %w", s.params.Program, ctxErr)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return engine.ExecutionContext{}, fmt.Errorf("failed to execute %s: %w", s.params.Program, runErr)
		}
		code := exitErr.ExitCode()
		e := engine.NewExecutionError(fmt.Sprintf("%s exited with code %d", s.params.Program, code), nil).
			WithDetail("exit_code", code)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			e = e.WithDetail("stderr", tail)
		}
		if slices.Contains(s.params.PermanentExitCodes, code) {
			e.Permanent = true
		}
		return engine.ExecutionContext{}, e
	}

	out = ec
	switch {
	case s.params.JSONOutput:
		var outputs map[string]any
		if err := json.Unmarshal(stdout.Bytes(), &outputs); err != nil {
			return engine.ExecutionContext{}, engine.NewPostconditionError(
				fmt.Sprintf("%s did not print a JSON object: %v", s.params.Program, err))
		}
		out = out.WithOutputs(outputs)
	case s.params.Output != "":
		out = out.WithOutput(s.params.Output, strings.TrimSpace(stdout.String()))
	}

	out = out.WithMetadata(s.metaKey("duration_seconds"), duration.Seconds())
	if scratch != "" {
		out = out.WithMetadata(s.metaKey("scratch_dir"), scratch)
	}
	if s.params.Checksum {
		sums, err := s.checksums(newTemplateData(out, scratch))
		if err != nil {
			return engine.ExecutionContext{}, err
		}
		out = out.WithMetadata(s.metaKey("checksums"), sums)
	}
	return out, nil
}

// ValidateOutputs checks declared output keys and files.
func (s *CommandStage) ValidateOutputs(ec engine.ExecutionContext) (bool, string) {
	for _, key := range s.params.Produces {
		if _, ok := ec.Output(key); !ok {
			return false, fmt.Sprintf("output %q was not produced", key)
		}
	}

	scratch, _ := ec.Metadata(s.metaKey("scratch_dir"))
	dir, _ := scratch.(string)
	data := newTemplateData(ec, dir)
	for _, f := range s.params.ProducesFiles {
		path, err := render(f, data)
		if err != nil {
			return false, fmt.Sprintf("failed to render %q: %v", f, err)
		}
		if _, err := os.Stat(path); err != nil {
			return false, fmt.Sprintf("expected file %s: %v", path, err)
		}
	}
	return true, ""
}

// Cleanup removes the scratch directory recorded by Execute.
func (s *CommandStage) Cleanup(_ context.Context, ec engine.ExecutionContext) error {
	v, ok := ec.Metadata(s.metaKey("scratch_dir"))
	if !ok {
		return nil
	}
	dir, ok := v.(string)
	if !ok || dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove scratch directory %s: %w", dir, err)
	}
	return nil
}

func (s *CommandStage) metaKey(key string) string {
	return s.name + "." + key
}

func (s *CommandStage) checksums(data templateData) (map[string]any, error) {
	sums := make(map[string]any, len(s.params.ProducesFiles))
	for _, f := range s.params.ProducesFiles {
		path, err := render(f, data)
		if err != nil {
			return nil, engine.Permanent(fmt.Errorf("failed to render %q: %w", f, err))
		}
		sum, err := fileChecksum(path)
		if err != nil {
			return nil, engine.NewPostconditionError(fmt.Sprintf("failed to checksum %s: %v", path, err))
		}
		sums[path] = sum
	}
	return sums, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type templateData struct {
	JobID    string
	Inputs   map[string]any
	Outputs  map[string]any
	Metadata map[string]any
	Scratch  string
}

func newTemplateData(ec engine.ExecutionContext, scratch string) templateData {
	return templateData{
		JobID:    ec.JobID(),
		Inputs:   ec.Inputs(),
		Outputs:  ec.Outputs(),
		Metadata: ec.MetadataMap(),
		Scratch:  scratch,
	}
}

func parseTemplate(s string) (*template.Template, error) {
	return template.New("arg").Option("missingkey=error").Parse(s)
}

func render(s string, data templateData) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := parseTemplate(s)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// boundedBuffer keeps the last limit bytes written to it.
type boundedBuffer struct {
	limit int
	buf   []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return string(b.buf) }
