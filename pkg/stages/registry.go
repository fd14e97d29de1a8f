// Package stages builds engine stages from declarative specs.
//
// A Registry maps stage types to factories. The same registry is used by the
// engine process, which builds stages from pipeline files, and by the
// stage-runner child, which rebuilds isolated stages from their descriptors.
package stages

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
)

// ErrUnknownType is returned when no factory is registered for a stage type.
var ErrUnknownType = errors.New("unknown stage type")

// Factory creates a stage named name from its raw parameters.
type Factory func(name string, params json.RawMessage) (engine.Stage, error)

// StageSpec is the declarative form of a stage.
type StageSpec struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Registry holds stage factories keyed by type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in stage types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(CommandType, NewCommandStage)
	return r
}

// Register adds a factory for typ.
func (r *Registry) Register(typ string, factory Factory) error {
	if typ == "" {
		return fmt.Errorf("stage type is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s is nil", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("stage type %s already registered", typ)
	}
	r.factories[typ] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typ string, factory Factory) {
	if err := r.Register(typ, factory); err != nil {
		panic(err)
	}
}

// Build creates the stage described by spec.
func (r *Registry) Build(spec StageSpec) (engine.Stage, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("stage name is required")
	}

	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (stage %s)", ErrUnknownType, spec.Type, spec.Name)
	}

	stage, err := factory(spec.Name, spec.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to build stage %s: %w", spec.Name, err)
	}
	return stage, nil
}

// BuildAll creates every stage in specs, in order.
func (r *Registry) BuildAll(specs []StageSpec) ([]engine.Stage, error) {
	out := make([]engine.Stage, 0, len(specs))
	for _, spec := range specs {
		stage, err := r.Build(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	return out, nil
}

// FromDescriptor rebuilds a stage from a descriptor produced by Describer.
func (r *Registry) FromDescriptor(name string, desc engine.StageDescriptor) (engine.Stage, error) {
	if name == "" {
		name = desc.Name
	}
	return r.Build(StageSpec{Name: name, Type: desc.Type, Params: desc.Params})
}

// Types returns the registered stage types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
