package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
)

// maxLayerDepth bounds the length of an overlay chain before it is compacted.
const maxLayerDepth = 16

// layer is one immutable level of a persistent key/value overlay.
// Derived values point at their parent, so unchanged entries are shared.
type layer struct {
	parent  *layer
	entries map[string]any
	depth   int
}

func (l *layer) get(key string) (any, bool) {
	for cur := l; cur != nil; cur = cur.parent {
		if v, ok := cur.entries[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// flatten materializes the overlay into a fresh map, newest values winning.
func (l *layer) flatten() map[string]any {
	chain := make([]*layer, 0, maxLayerDepth)
	for cur := l; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(out, chain[i].entries)
	}
	return out
}

func (l *layer) with(entries map[string]any) *layer {
	if len(entries) == 0 {
		return l
	}
	if l != nil && l.depth >= maxLayerDepth {
		base := l.flatten()
		maps.Copy(base, entries)
		return &layer{entries: base}
	}
	next := &layer{entries: maps.Clone(entries)}
	if l != nil {
		next.parent = l
		next.depth = l.depth + 1
	}
	return next
}

// since returns the entries written on top of base.
// ok is false when base is not an ancestor of l.
func (l *layer) since(base *layer) (map[string]any, bool) {
	chain := make([]*layer, 0)
	cur := l
	for cur != nil && cur != base {
		chain = append(chain, cur)
		cur = cur.parent
	}
	if cur != base {
		return nil, false
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(out, chain[i].entries)
	}
	return out, true
}

// contextRoot holds the parts of a context that never change during a run.
type contextRoot struct {
	config any
	jobID  string
	inputs map[string]any
}

// ExecutionContext is an immutable snapshot of configuration, inputs,
// accumulated outputs and metadata threaded through a pipeline run.
//
// Every update returns a new value that shares unmodified structure with its
// parent, so a context can be handed to concurrently running stages without locking.
// The zero value is an empty context.
type ExecutionContext struct {
	root     *contextRoot
	outputs  *layer
	metadata *layer
}

// ContextOption configures a new ExecutionContext.
type ContextOption func(*contextRoot, *ExecutionContext)

// WithJobID sets the correlation identifier of the context.
func WithJobID(jobID string) ContextOption {
	return func(r *contextRoot, _ *ExecutionContext) {
		r.jobID = jobID
	}
}

// WithInitialMetadata seeds the metadata of the context.
func WithInitialMetadata(metadata map[string]any) ContextOption {
	return func(_ *contextRoot, ec *ExecutionContext) {
		ec.metadata = ec.metadata.with(metadata)
	}
}

// NewExecutionContext creates a context for a new run.
// The inputs map is copied; config is treated as read-only.
func NewExecutionContext(config any, inputs map[string]any, opts ...ContextOption) ExecutionContext {
	root := &contextRoot{
		config: config,
		inputs: maps.Clone(inputs),
	}
	if root.inputs == nil {
		root.inputs = make(map[string]any)
	}
	ec := ExecutionContext{root: root}
	for _, opt := range opts {
		opt(root, &ec)
	}
	return ec
}

// Config returns the caller-supplied configuration.
func (c ExecutionContext) Config() any {
	if c.root == nil {
		return nil
	}
	return c.root.config
}

// DecodeConfig decodes the configuration into target.
// Configs that crossed a process boundary arrive as raw JSON, so decoding goes
// through JSON in every case.
func (c ExecutionContext) DecodeConfig(target any) error {
	cfg := c.Config()
	if cfg == nil {
		return nil
	}
	var data []byte
	switch v := cfg.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// JobID returns the correlation identifier, if any.
func (c ExecutionContext) JobID() string {
	if c.root == nil {
		return ""
	}
	return c.root.jobID
}

// Input returns the input stored under key.
func (c ExecutionContext) Input(key string) (any, bool) {
	if c.root == nil {
		return nil, false
	}
	v, ok := c.root.inputs[key]
	return v, ok
}

// Inputs returns a copy of all inputs.
func (c ExecutionContext) Inputs() map[string]any {
	if c.root == nil {
		return make(map[string]any)
	}
	return maps.Clone(c.root.inputs)
}

// Output returns the output stored under key.
func (c ExecutionContext) Output(key string) (any, bool) {
	return c.outputs.get(key)
}

// Outputs returns a copy of all accumulated outputs.
func (c ExecutionContext) Outputs() map[string]any {
	return c.outputs.flatten()
}

// Metadata returns the metadata value stored under key.
func (c ExecutionContext) Metadata(key string) (any, bool) {
	return c.metadata.get(key)
}

// MetadataMap returns a copy of all metadata.
func (c ExecutionContext) MetadataMap() map[string]any {
	return c.metadata.flatten()
}

// WithOutput returns a new context with key set to value in the outputs.
func (c ExecutionContext) WithOutput(key string, value any) ExecutionContext {
	return c.WithOutputs(map[string]any{key: value})
}

// WithOutputs returns a new context with all entries merged into the outputs.
// Existing keys are overwritten.
func (c ExecutionContext) WithOutputs(outputs map[string]any) ExecutionContext {
	next := c
	next.outputs = c.outputs.with(outputs)
	return next
}

// WithMetadata returns a new context with key set to value in the metadata.
func (c ExecutionContext) WithMetadata(key string, value any) ExecutionContext {
	return c.withMetadataMap(map[string]any{key: value})
}

func (c ExecutionContext) withMetadataMap(metadata map[string]any) ExecutionContext {
	next := c
	next.metadata = c.metadata.with(metadata)
	return next
}

// Delta describes what one context added on top of another.
type Delta struct {
	Outputs  map[string]any
	Metadata map[string]any
}

// Empty reports whether the delta carries no entries.
func (d Delta) Empty() bool {
	return len(d.Outputs) == 0 && len(d.Metadata) == 0
}

// Delta returns the outputs and metadata written on top of base.
// When c was not derived from base the entries that differ from base are returned.
func (c ExecutionContext) Delta(base ExecutionContext) Delta {
	return Delta{
		Outputs:  layerDelta(c.outputs, base.outputs),
		Metadata: layerDelta(c.metadata, base.metadata),
	}
}

func layerDelta(l, base *layer) map[string]any {
	if d, ok := l.since(base); ok {
		return d
	}
	current := l.flatten()
	previous := base.flatten()
	out := make(map[string]any)
	for k, v := range current {
		if old, exists := previous[k]; !exists || !reflect.DeepEqual(old, v) {
			out[k] = v
		}
	}
	return out
}

// apply merges a delta into the context.
func (c ExecutionContext) apply(d Delta) ExecutionContext {
	return c.WithOutputs(d.Outputs).withMetadataMap(d.Metadata)
}

// Snapshot is the serializable form of an ExecutionContext.
type Snapshot struct {
	JobID    string          `json:"job_id,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Inputs   map[string]any  `json:"inputs,omitempty"`
	Outputs  map[string]any  `json:"outputs,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Snapshot captures the context in serializable form.
func (c ExecutionContext) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		JobID:    c.JobID(),
		Inputs:   c.Inputs(),
		Outputs:  c.Outputs(),
		Metadata: c.MetadataMap(),
	}
	switch v := c.Config().(type) {
	case nil:
	case json.RawMessage:
		snap.Config = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to marshal config: %w", err)
		}
		snap.Config = data
	}
	return snap, nil
}

// FromSnapshot rebuilds a context from its serialized form.
// The configuration is exposed as json.RawMessage; use DecodeConfig to read it.
func FromSnapshot(s Snapshot) ExecutionContext {
	var cfg any
	if len(s.Config) > 0 {
		cfg = s.Config
	}
	ec := NewExecutionContext(cfg, s.Inputs, WithJobID(s.JobID), WithInitialMetadata(s.Metadata))
	return ec.WithOutputs(s.Outputs)
}
