package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_Immutable(t *testing.T) {
	inputs := map[string]any{"ms_path": "/data/obs.ms"}
	base := NewExecutionContext(map[string]any{"refant": "pad103"}, inputs, WithJobID("job-1"))

	inputs["ms_path"] = "/mutated"
	v, ok := base.Input("ms_path")
	require.True(t, ok)
	assert.Equal(t, "/data/obs.ms", v, "inputs must be copied at creation")

	next := base.WithOutput("caltable", "/data/obs.bcal")
	_, ok = base.Output("caltable")
	assert.False(t, ok, "parent context must not see derived outputs")

	v, ok = next.Output("caltable")
	require.True(t, ok)
	assert.Equal(t, "/data/obs.bcal", v)
	assert.Equal(t, "job-1", next.JobID())

	withMeta := next.WithMetadata("tmp_dir", "/tmp/x")
	_, ok = next.Metadata("tmp_dir")
	assert.False(t, ok)
	v, ok = withMeta.Metadata("tmp_dir")
	require.True(t, ok)
	assert.Equal(t, "/tmp/x", v)
}

func TestExecutionContext_OverwriteAndCopies(t *testing.T) {
	ec := NewExecutionContext(nil, nil).
		WithOutputs(map[string]any{"a": 1, "b": 2}).
		WithOutput("a", 3)

	outputs := ec.Outputs()
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, outputs)

	outputs["a"] = 100
	v, _ := ec.Output("a")
	assert.Equal(t, 3, v, "Outputs must return a copy")
}

func TestExecutionContext_DeepChainCompaction(t *testing.T) {
	ec := NewExecutionContext(nil, nil)
	var snapshots []ExecutionContext
	for i := 0; i < maxLayerDepth*3; i++ {
		ec = ec.WithOutput(fmt.Sprintf("k%d", i), i)
		snapshots = append(snapshots, ec)
	}

	assert.Len(t, ec.Outputs(), maxLayerDepth*3)
	for i, snap := range snapshots {
		assert.Len(t, snap.Outputs(), i+1)
		v, ok := snap.Output(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestExecutionContext_Delta(t *testing.T) {
	base := NewExecutionContext(nil, nil).WithOutput("existing", 1)
	derived := base.WithOutput("new", 2).WithMetadata("scratch", "/tmp")

	d := derived.Delta(base)
	assert.Equal(t, map[string]any{"new": 2}, d.Outputs)
	assert.Equal(t, map[string]any{"scratch": "/tmp"}, d.Metadata)

	unrelated := NewExecutionContext(nil, nil).WithOutputs(map[string]any{"existing": 1, "other": 5})
	d = unrelated.Delta(base)
	assert.Equal(t, map[string]any{"other": 5}, d.Outputs)

	assert.True(t, base.Delta(base).Empty())
}

func TestExecutionContext_ConcurrentReaders(t *testing.T) {
	ec := NewExecutionContext(nil, map[string]any{"x": 1}).WithOutput("y", 2)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			derived := ec.WithOutput(fmt.Sprintf("w%d", i), i)
			v, ok := derived.Output("y")
			assert.True(t, ok)
			assert.Equal(t, 2, v)
		}(i)
	}
	wg.Wait()

	assert.Len(t, ec.Outputs(), 1)
}

func TestExecutionContext_SnapshotRoundTrip(t *testing.T) {
	type cfg struct {
		Refant string `json:"refant"`
		Niter  int    `json:"niter"`
	}

	ec := NewExecutionContext(cfg{Refant: "pad103", Niter: 1000}, map[string]any{"ms": "/a.ms"},
		WithJobID("job-7"), WithInitialMetadata(map[string]any{"group": "g1"})).
		WithOutput("image", "/a.image")

	snap, err := ec.Snapshot()
	require.NoError(t, err)

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := FromSnapshot(decoded)
	assert.Equal(t, "job-7", restored.JobID())

	v, ok := restored.Output("image")
	require.True(t, ok)
	assert.Equal(t, "/a.image", v)

	v, ok = restored.Metadata("group")
	require.True(t, ok)
	assert.Equal(t, "g1", v)

	var got cfg
	require.NoError(t, restored.DecodeConfig(&got))
	assert.Equal(t, cfg{Refant: "pad103", Niter: 1000}, got)
}

func TestExecutionContext_ZeroValue(t *testing.T) {
	var ec ExecutionContext
	assert.Nil(t, ec.Config())
	assert.Empty(t, ec.JobID())
	assert.Empty(t, ec.Inputs())
	assert.Empty(t, ec.Outputs())

	var target map[string]any
	assert.NoError(t, ec.DecodeConfig(&target))
}
