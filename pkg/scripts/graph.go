package scripts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// GraphNode is a script in a dependency graph.
type GraphNode struct {
	// Path is the absolute path of the script.
	Path string `json:"path"`

	// Level is 0 for scripts that run no other script, and one more than
	// the highest level of their dependencies otherwise.
	Level int `json:"level"`

	// Dependencies are the scripts this script runs.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents are the scripts that run this script.
	Dependents []string `json:"dependents,omitempty"`
}

// Graph is the graph of scripts and the scripts they run.
type Graph struct {
	Nodes  map[string]*GraphNode `json:"nodes"`
	Levels [][]string            `json:"levels"`
}

// GraphBuilder builds a Graph from scripts. It performs a topological sort
// and assigns a level to each script.
type GraphBuilder struct {
	// scripts maps paths to their scripts
	scripts map[string]*Script

	// adjacencyList maps paths to the scripts that run them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps paths to the scripts they run
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of scripts each script runs
	inDegree map[string]int

	levels [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		scripts:              make(map[string]*Script),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// BuildGraph constructs the graph of scripts. Every script named in Runs
// must be among scripts.
func (b *GraphBuilder) BuildGraph(scripts []*Script) (*Graph, error) {
	if err := b.initialize(scripts); err != nil {
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

func (b *GraphBuilder) initialize(scripts []*Script) error {
	for _, s := range scripts {
		if s.Path == "" {
			return fmt.Errorf("script %q has empty path", s.Name)
		}
		if _, exists := b.scripts[s.Path]; exists {
			continue
		}
		b.scripts[s.Path] = s
		b.adjacencyList[s.Path] = nil
		b.reverseAdjacencyList[s.Path] = nil
		b.inDegree[s.Path] = 0
	}

	for _, path := range b.sortedPaths() {
		for _, target := range b.scripts[path].Runs {
			if _, exists := b.scripts[target]; !exists {
				return fmt.Errorf("script %s runs unknown script %s", path, target)
			}
			// The run target sits below the script that runs it.
			b.adjacencyList[target] = append(b.adjacencyList[target], path)
			b.reverseAdjacencyList[path] = append(b.reverseAdjacencyList[path], target)
			b.inDegree[path]++
		}
	}

	return nil
}

func (b *GraphBuilder) sortedPaths() []string {
	paths := make([]string, 0, len(b.scripts))
	for path := range b.scripts {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// detectCycles uses depth-first search to find scripts that run
// themselves.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, path := range b.sortedPaths() {
		if visited[path] {
			continue
		}
		if cycle := b.detectCyclesUtil(path, visited, recStack, nil); cycle != nil {
			return fmt.Errorf("run cycle detected: %s", formatCycle(cycle))
		}
	}
	return nil
}

func (b *GraphBuilder) detectCyclesUtil(path string, visited, recStack map[string]bool, stack []string) []string {
	visited[path] = true
	recStack[path] = true
	stack = append(stack, path)

	for _, dependent := range b.adjacencyList[path] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, stack); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			start := slices.Index(stack, dependent)
			return append(slices.Clone(stack[start:]), dependent)
		}
	}

	recStack[path] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Each level is sorted.
func (b *GraphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for path, degree := range b.inDegree {
		inDegree[path] = degree
	}

	var current []string
	for _, path := range b.sortedPaths() {
		if inDegree[path] == 0 {
			current = append(current, path)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, path := range current {
			for _, dependent := range b.adjacencyList[path] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if processed != len(b.scripts) {
		return errors.New("failed to order all scripts: possible cycle")
	}
	return nil
}

func (b *GraphBuilder) buildGraph() *Graph {
	graph := &Graph{
		Nodes:  make(map[string]*GraphNode, len(b.scripts)),
		Levels: b.levels,
	}
	for level, paths := range b.levels {
		for _, path := range paths {
			dependents := slices.Clone(b.adjacencyList[path])
			slices.Sort(dependents)
			graph.Nodes[path] = &GraphNode{
				Path:         path,
				Level:        level,
				Dependencies: slices.Clone(b.reverseAdjacencyList[path]),
				Dependents:   dependents,
			}
		}
	}
	return graph
}

// ToDOT renders the graph in DOT format for Graphviz. Edges point from a
// script to the scripts it runs.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Scripts {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, paths := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, path := range paths {
			fmt.Fprintf(&sb, "    %q [label=%q];\n", path, strings.TrimSuffix(filepath.Base(path), Extension))
		}
		sb.WriteString("  }\n\n")
	}

	for _, paths := range g.Levels {
		for _, path := range paths {
			for _, dep := range g.Nodes[path].Dependencies {
				fmt.Fprintf(&sb, "  %q -> %q;\n", path, dep)
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// DependenciesOf returns every script path runs, directly or through
// other scripts, sorted.
func (g *Graph) DependenciesOf(path string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(p string) {
		node, ok := g.Nodes[p]
		if !ok {
			return
		}
		for _, dep := range node.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(path)

	deps := make([]string, 0, len(seen))
	for dep := range seen {
		deps = append(deps, dep)
	}
	slices.Sort(deps)
	return deps
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// Graph loads the scripts in paths, and every script they run, and
// returns their dependency graph.
func (l *Loader) Graph(ctx context.Context, paths []string) (*Graph, error) {
	loaded, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*Script, len(loaded))
	queue := slices.Clone(loaded)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if _, ok := byPath[s.Path]; ok {
			continue
		}
		byPath[s.Path] = s

		for _, target := range s.Runs {
			if _, ok := byPath[target]; ok {
				continue
			}
			child, err := l.Load(ctx, target)
			if err != nil {
				return nil, err
			}
			queue = append(queue, child)
		}
	}

	all := make([]*Script, 0, len(byPath))
	for _, s := range byPath {
		all = append(all, s)
	}
	return NewGraphBuilder().BuildGraph(all)
}
