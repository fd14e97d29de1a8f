package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/engine"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stages"
)

// Specs returns the stage factory inputs of the pipeline in file order.
func (p *PipelineConfig) Specs() ([]stages.StageSpec, error) {
	specs := make([]stages.StageSpec, 0, len(p.Stages))
	for _, s := range p.Stages {
		params, err := json.Marshal(s.Params)
		if err != nil {
			return nil, fmt.Errorf("stage %s: failed to encode params: %w", s.Name, err)
		}
		specs = append(specs, stages.StageSpec{Name: s.Name, Type: s.Type, Params: params})
	}
	return specs, nil
}

// Definitions returns the engine definitions of the pipeline. Stages without a
// retry block use defaults; isolated stages without a timeout get isolatedTimeout.
func (p *PipelineConfig) Definitions(defaults engine.RetryPolicy, isolatedTimeout time.Duration) []engine.StageDefinition {
	defs := make([]engine.StageDefinition, 0, len(p.Stages))
	for _, s := range p.Stages {
		def := engine.StageDefinition{
			Name:         s.Name,
			Dependencies: append([]string(nil), s.DependsOn...),
			RetryPolicy:  s.Retry.Apply(defaults),
			Mode:         engine.ExecutionMode(s.Mode),
			Timeout:      s.Timeout,
			BreakerKey:   s.BreakerKey,
			Optional:     s.Optional,
		}
		if def.Mode == engine.ModeIsolated && def.Timeout == 0 {
			def.Timeout = isolatedTimeout
		}
		defs = append(defs, def)
	}
	return defs
}

// Build instantiates every stage through registry and returns them with their definitions.
func (p *PipelineConfig) Build(registry *stages.Registry, eng EngineConfig) ([]engine.StageDefinition, []engine.Stage, error) {
	specs, err := p.Specs()
	if err != nil {
		return nil, nil, err
	}
	built, err := registry.BuildAll(specs)
	if err != nil {
		return nil, nil, err
	}
	return p.Definitions(eng.Retry, eng.IsolatedTimeout), built, nil
}

// Stage returns the configuration of the named stage.
func (p *PipelineConfig) Stage(name string) (StageConfig, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}
