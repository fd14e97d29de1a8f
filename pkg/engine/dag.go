package engine

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// GraphNode is one stage in a built graph.
type GraphNode struct {
	// Name is the stage name.
	Name string `json:"name"`

	// Level is the topological level; stages on the same level have no
	// dependency relation to each other.
	Level int `json:"level"`

	// Dependencies are the stages this node waits for.
	Dependencies []string `json:"dependencies"`

	// Dependents are the stages waiting for this node.
	Dependents []string `json:"dependents"`

	// Definition is the static definition of the stage.
	Definition StageDefinition `json:"definition"`
}

// Graph is a validated, acyclic stage dependency graph.
type Graph struct {
	Nodes  map[string]*GraphNode `json:"nodes"`
	Roots  []string              `json:"roots"`
	Levels [][]string            `json:"levels"`
	Depth  int                   `json:"depth"`
}

// Order returns a topological ordering of the stages, level by level.
func (g *Graph) Order() []string {
	out := make([]string, 0, len(g.Nodes))
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}

// Descendants returns every stage that transitively depends on name, in topological order.
func (g *Graph) Descendants(name string) []string {
	seen := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := g.Nodes[cur]
		if !ok {
			continue
		}
		for _, dep := range node.Dependents {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for _, n := range g.Order() {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			def := g.Nodes[name].Definition
			mode := def.Mode
			if mode == "" {
				mode = ModeDirect
			}
			label := fmt.Sprintf("%s\\n%s", name, mode)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, modeColor(mode, def.Optional)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, name := range g.Order() {
		for _, dep := range g.Nodes[name].Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// GraphBuilder builds a Graph from stage definitions.
// It performs topological sorting and assigns levels for parallel execution.
type GraphBuilder struct {
	// defs maps stage names to their definitions
	defs map[string]StageDefinition

	// names keeps definition order for deterministic traversal
	names []string

	// dependents maps stage names to stages that depend on them
	dependents map[string][]string

	// inDegree tracks the number of unmet dependencies for each node
	inDegree map[string]int

	// levels maps level index to stage names at that level
	levels [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		defs:       make(map[string]StageDefinition),
		names:      make([]string, 0),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
		levels:     make([][]string, 0),
	}
}

// BuildGraph is a convenience wrapper around NewGraphBuilder().Build(defs).
func BuildGraph(defs []StageDefinition) (*Graph, error) {
	return NewGraphBuilder().Build(defs)
}

// Build validates the definitions, detects cycles and computes levels.
// Every failure is an InvalidGraph error raised before anything runs.
func (b *GraphBuilder) Build(defs []StageDefinition) (*Graph, error) {
	if len(defs) == 0 {
		return &Graph{
			Nodes:  make(map[string]*GraphNode),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(defs); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

func graphError(code, format string, args ...any) *Error {
	return NewError(KindInvalidGraph, fmt.Sprintf(format, args...), nil).WithCode(code)
}

// initialize indexes the definitions and validates dependency names.
func (b *GraphBuilder) initialize(defs []StageDefinition) error {
	for _, def := range defs {
		if def.Name == "" {
			return graphError(ErrCodeValidation, "stage definition has empty name")
		}
		if _, exists := b.defs[def.Name]; exists {
			return graphError(ErrCodeValidation, "duplicate stage name: %s", def.Name)
		}
		b.defs[def.Name] = def
		b.names = append(b.names, def.Name)
		b.dependents[def.Name] = make([]string, 0)
		b.inDegree[def.Name] = 0
	}

	for _, name := range b.names {
		seen := make(map[string]bool)
		for _, dep := range b.defs[name].Dependencies {
			if dep == name {
				return graphError(ErrCodeCycle, "stage %s depends on itself", name).WithStage(name)
			}
			if _, exists := b.defs[dep]; !exists {
				return graphError(ErrCodeUnknownStage, "stage %s depends on unknown stage %s", name, dep).WithStage(name)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// dependency must complete before the stage can start
			b.dependents[dep] = append(b.dependents[dep], name)
			b.inDegree[name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, name := range b.names {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, onStack, nil); cycle != nil {
			return graphError(ErrCodeCycle, "circular dependency detected: %s", formatCycle(cycle)).
				WithDetail("cycle", cycle)
		}
	}

	return nil
}

// detectCyclesUtil walks dependents depth-first and returns the cycle path if one is found.
func (b *GraphBuilder) detectCyclesUtil(name string, visited, onStack map[string]bool, path []string) []string {
	visited[name] = true
	onStack[name] = true
	path = append(path, name)

	for _, dependent := range b.dependents[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, onStack, path); cycle != nil {
				return cycle
			}
		} else if onStack[dependent] {
			start := slices.Index(path, dependent)
			if start >= 0 {
				cycle := slices.Clone(path[start:])
				return append(cycle, dependent)
			}
		}
	}

	onStack[name] = false
	return nil
}

// computeLevels assigns levels using Kahn's algorithm.
func (b *GraphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for name, degree := range b.inDegree {
		inDegree[name] = degree
	}

	current := make([]string, 0)
	for _, name := range b.names {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range b.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(b.defs) {
		return graphError(ErrCodeInternal, "failed to order all stages - possible cycle")
	}

	return nil
}

func (b *GraphBuilder) buildGraph() *Graph {
	graph := &Graph{
		Nodes:  make(map[string]*GraphNode, len(b.defs)),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, names := range b.levels {
		for _, name := range names {
			def := b.defs[name]
			deps := make([]string, 0, len(def.Dependencies))
			for _, d := range def.Dependencies {
				if !slices.Contains(deps, d) {
					deps = append(deps, d)
				}
			}
			graph.Nodes[name] = &GraphNode{
				Name:         name,
				Level:        level,
				Dependencies: deps,
				Dependents:   slices.Clone(b.dependents[name]),
				Definition:   def,
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, name)
			}
		}
	}

	return graph
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// modeColor returns a color for visualizing execution modes.
func modeColor(mode ExecutionMode, optional bool) string {
	if optional {
		return "lightgray"
	}
	switch mode {
	case ModeIsolated:
		return "lightblue"
	case ModeRemote:
		return "lightcoral"
	default:
		return "lightgreen"
	}
}
