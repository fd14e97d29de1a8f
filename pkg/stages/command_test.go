package stages

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

func newCommand(t *testing.T, name string, params CommandParams) *CommandStage {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	stage, err := NewCommandStage(name, raw)
	require.NoError(t, err)
	return stage.(*CommandStage)
}

func shell(script string) CommandParams {
	return CommandParams{Program: "sh", Args: []string{"-c", script}}
}

func inputs(kv map[string]any) engine.ExecutionContext {
	return engine.NewExecutionContext(nil, kv, engine.WithJobID("job-7"))
}

func TestNewCommandStageParams(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{name: "minimal", params: `{"program":"wsclean"}`},
		{name: "missing program", params: `{"args":["-v"]}`, wantErr: true},
		{name: "unknown field", params: `{"program":"wsclean","shell":"/bin/bash"}`, wantErr: true},
		{name: "bad template", params: `{"program":"wsclean","args":["{{.Inputs.ms"]}`, wantErr: true},
		{name: "output and json output", params: `{"program":"x","output":"o","json_output":true}`, wantErr: true},
		{name: "exit code out of range", params: `{"program":"x","permanent_exit_codes":[0]}`, wantErr: true},
		{name: "no params", params: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommandStage("image", json.RawMessage(tt.params))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCommandStageValidate(t *testing.T) {
	p := shell("true")
	p.Requires = []string{"ms", "caltable"}
	stage := newCommand(t, "apply", p)

	ok, reason := stage.Validate(inputs(map[string]any{"ms": "a.ms"}))
	assert.False(t, ok)
	assert.Contains(t, reason, "caltable")

	ec := inputs(map[string]any{"ms": "a.ms"}).WithOutput("caltable", "a.gcal")
	ok, reason = stage.Validate(ec)
	assert.True(t, ok, reason)

	missing := newCommand(t, "apply", CommandParams{Program: "definitely-not-a-real-program-xyz"})
	ok, reason = missing.Validate(ec)
	assert.False(t, ok)
	assert.Contains(t, reason, "not found")
}

func TestCommandStageOutput(t *testing.T) {
	p := shell(`echo "{{.Inputs.ms}}-{{.JobID}}"`)
	p.Output = "listing"
	stage := newCommand(t, "list", p)

	out, err := stage.Execute(context.Background(), inputs(map[string]any{"ms": "obs.ms"}))
	require.NoError(t, err)

	v, ok := out.Output("listing")
	require.True(t, ok)
	assert.Equal(t, "obs.ms-job-7", v)

	_, ok = out.Metadata("list.duration_seconds")
	assert.True(t, ok)
}

func TestCommandStageJSONOutput(t *testing.T) {
	p := shell(`echo '{"image":"img.fits","rms":0.5}'`)
	p.JSONOutput = true
	p.Produces = []string{"image", "rms"}
	stage := newCommand(t, "image", p)

	ec := inputs(nil)
	out, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)

	delta := out.Delta(ec)
	assert.Equal(t, "img.fits", delta.Outputs["image"])
	assert.Equal(t, 0.5, delta.Outputs["rms"])

	ok, reason := stage.ValidateOutputs(out)
	assert.True(t, ok, reason)

	p.Produces = []string{"beam"}
	ok, reason = newCommand(t, "image", p).ValidateOutputs(out)
	assert.False(t, ok)
	assert.Contains(t, reason, "beam")
}

func TestCommandStageBadJSON(t *testing.T) {
	p := shell(`echo not-json`)
	p.JSONOutput = true
	stage := newCommand(t, "image", p)

	_, err := stage.Execute(context.Background(), inputs(nil))
	assert.Equal(t, engine.KindPostconditionFailed, engine.KindOf(err))
}

func TestCommandStageExitCodes(t *testing.T) {
	p := shell(`echo "tclean: no visibilities" >&2; exit 3`)
	stage := newCommand(t, "image", p)

	_, err := stage.Execute(context.Background(), inputs(nil))
	require.Error(t, err)

	var e *engine.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, engine.KindExecutionFailed, e.Kind)
	assert.Equal(t, 3, e.Details["exit_code"])
	assert.Equal(t, "tclean: no visibilities", e.Details["stderr"])
	assert.False(t, engine.IsPermanent(err))

	p.PermanentExitCodes = []int{3}
	_, err = newCommand(t, "image", p).Execute(context.Background(), inputs(nil))
	assert.True(t, engine.IsPermanent(err))
}

func TestCommandStageMissingTemplateKey(t *testing.T) {
	stage := newCommand(t, "image", shell(`echo {{.Inputs.ms}}`))

	_, err := stage.Execute(context.Background(), inputs(nil))
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestCommandStageTimeout(t *testing.T) {
	stage := newCommand(t, "image", shell(`sleep 10`))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := stage.Execute(ctx, inputs(nil))
	require.Error(t, err)
	assert.Equal(t, engine.KindTimeout, engine.KindOf(err))
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestCommandStageScratchAndFiles(t *testing.T) {
	p := shell(`printf 'SIMPLE' > {{.Scratch}}/{{.Inputs.name}}.fits`)
	p.Scratch = true
	p.Checksum = true
	p.ProducesFiles = []string{"{{.Scratch}}/{{.Inputs.name}}.fits"}
	stage := newCommand(t, "image", p)

	out, err := stage.Execute(context.Background(), inputs(map[string]any{"name": "field1"}))
	require.NoError(t, err)

	v, ok := out.Metadata("image.scratch_dir")
	require.True(t, ok)
	dir := v.(string)
	assert.FileExists(t, filepath.Join(dir, "field1.fits"))

	sums, ok := out.Metadata("image.checksums")
	require.True(t, ok)
	assert.Equal(t, "699f1a05a9092ee065b26f4ae3ed1d255278304ada695875ca58574617959a36", sums.(map[string]any)[filepath.Join(dir, "field1.fits")])

	ok, reason := stage.ValidateOutputs(out)
	assert.True(t, ok, reason)

	require.NoError(t, stage.Cleanup(context.Background(), out))
	assert.NoDirExists(t, dir)

	ok, _ = stage.ValidateOutputs(out)
	assert.False(t, ok, "file is gone after cleanup")

	assert.NoError(t, stage.Cleanup(context.Background(), inputs(nil)))
}

func TestCommandStageFailureRemovesScratch(t *testing.T) {
	before, err := filepath.Glob(filepath.Join(os.TempDir(), "contimg-doomed-*"))
	require.NoError(t, err)

	p := shell(`exit 1`)
	p.Scratch = true
	_, err = newCommand(t, "doomed", p).Execute(context.Background(), inputs(nil))
	require.Error(t, err)

	after, err := filepath.Glob(filepath.Join(os.TempDir(), "contimg-doomed-*"))
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}
