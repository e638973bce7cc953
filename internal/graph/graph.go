// Package graph implements the graph builder (spec.md §4.C): merges
// per-node dependency sets into a DAG, detects and reports cycles, and
// computes a topological layering for the staged scheduler. Grounded
// directly on distr1/distri/internal/batch.Ctx.Build, which builds a
// gonum/graph.DirectedGraph of packages from their declared deps, breaks
// cycles, and orders the build with topo.Sort.
package graph

import (
	"sort"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/internal/analyze"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// node adapts a named workflow.Node to gonum's graph.Node interface,
// mirroring batch.node in the teacher.
type node struct {
	id   int64
	name string
}

func (n *node) ID() int64 { return n.id }

// Graph is the built dependency DAG plus lookup tables to translate
// between target/import/file names and gonum node IDs.
type Graph struct {
	g        *simple.DirectedGraph
	byName   map[string]*node
	byID     map[int64]string
	kinds    map[string]workflow.Kind
	layers   [][]string
	layersOK bool
}

// BuildInput is the merged dependency information the builder consumes.
// TargetDeps and ImportDeps are keyed by node name, as produced by
// internal/analyze and internal/imports respectively.
type BuildInput struct {
	Targets     []string
	Imports     []string
	TargetDeps  map[string]*analyze.DepSet
	ImportDeps  map[string]*analyze.DepSet
}

// MissingDependency is a reference a target or import makes to a name
// that resolves to neither a known target, a known import, nor a
// recognized file/subdoc marker (spec.md §7 ErrMissingDependency).
type MissingDependency struct {
	From string
	To   string
}

// Result is the outcome of Build: the graph itself plus any references
// that could not be resolved (reported by the caller as warnings, or
// escalated to a fatal error under Config.Strict).
type Result struct {
	Graph   *Graph
	Missing []MissingDependency
}

// CheckNames enforces invariant I2: target and import names must be
// disjoint and each set internally unique.
func CheckNames(targets, imports []string) error {
	seen := make(map[string]bool, len(targets)+len(imports))
	for _, t := range targets {
		if seen[t] {
			return wrapNameCollision(t)
		}
		seen[t] = true
	}
	for _, i := range imports {
		if seen[i] {
			return wrapNameCollision(i)
		}
		seen[i] = true
	}
	return nil
}

func wrapNameCollision(name string) error {
	return &collisionError{name: name}
}

type collisionError struct{ name string }

func (e *collisionError) Error() string { return "duplicate name: " + e.name }
func (e *collisionError) Unwrap() error { return workflow.ErrNameCollision }

// Build merges in's dependency sets into a DAG following the edge rules
// in spec.md §4.C, removes self-loops (I5), and detects cycles (raising
// a *workflow.CycleError wrapping ErrCyclicPlan for any cycle of length
// >= 2).
func Build(in BuildInput) (*Result, error) {
	if err := CheckNames(in.Targets, in.Imports); err != nil {
		return nil, err
	}

	gr := &Graph{
		g:      simple.NewDirectedGraph(),
		byName: map[string]*node{},
		byID:   map[int64]string{},
		kinds:  map[string]workflow.Kind{},
	}

	known := make(map[string]bool, len(in.Targets)+len(in.Imports))
	for _, t := range in.Targets {
		known[t] = true
		gr.ensure(t, workflow.Target)
	}
	for _, i := range in.Imports {
		known[i] = true
		gr.ensure(i, workflow.ImportedObject)
	}

	var missing []MissingDependency

	addDepEdges := func(from string, d *analyze.DepSet) {
		refs := make(map[string]bool)
		for k := range d.Globals {
			refs[k] = true
		}
		for k := range d.Loads {
			refs[k] = true
		}
		for _, ref := range sortedKeys(refs) {
			if !known[ref] {
				missing = append(missing, MissingDependency{From: from, To: ref})
				continue
			}
			gr.addEdge(from, ref)
		}
		for _, p := range d.SortedSubdocs() {
			fname := "subdoc:" + p
			gr.ensure(fname, workflow.SubDoc)
			gr.addEdge(from, fname)
		}
		for _, p := range d.SortedReads() {
			fname := "file:" + p
			gr.ensure(fname, workflow.InputFile)
			gr.addEdge(from, fname)
		}
		for _, p := range d.SortedWrites() {
			fname := "file:" + p
			gr.ensure(fname, workflow.OutputFile)
			gr.addEdge(fname, from) // output file depends on its producing target
		}
	}

	for _, t := range sortedStrings(in.Targets) {
		if d, ok := in.TargetDeps[t]; ok {
			addDepEdges(t, d)
		}
	}
	for _, i := range sortedStrings(in.Imports) {
		if d, ok := in.ImportDeps[i]; ok {
			addDepEdges(i, d)
		}
	}

	if err := gr.checkAcyclic(); err != nil {
		return nil, err
	}

	return &Result{Graph: gr, Missing: missing}, nil
}

func (gr *Graph) ensure(name string, kind workflow.Kind) *node {
	if n, ok := gr.byName[name]; ok {
		return n
	}
	n := &node{id: int64(len(gr.byName)), name: name}
	gr.byName[name] = n
	gr.byID[n.id] = name
	gr.kinds[name] = kind
	gr.g.AddNode(n)
	return n
}

func (gr *Graph) addEdge(from, to string) {
	if from == to {
		return // self-loop silently dropped (I5)
	}
	fn := gr.ensure(from, gr.kinds[from])
	tn := gr.ensure(to, gr.kinds[to])
	if gr.g.HasEdgeFromTo(fn.ID(), tn.ID()) {
		return
	}
	gr.g.SetEdge(gr.g.NewEdge(fn, tn))
}

func (gr *Graph) checkAcyclic() error {
	if _, err := topo.Sort(gr.g); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return err
		}
		var cycle []string
		for _, comp := range uo {
			if len(comp) < 2 {
				continue // single-node "cycle" without a self-loop edge isn't one
			}
			for _, n := range comp {
				cycle = append(cycle, gr.byID[n.(*node).ID()])
			}
			break
		}
		if len(cycle) == 0 {
			return nil
		}
		return &workflow.CycleError{Cycle: cycle}
	}
	return nil
}

// Nodes returns every node name in the graph, target/import/file alike.
func (gr *Graph) Nodes() []string {
	out := make([]string, 0, len(gr.byName))
	for n := range gr.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Kind reports the Kind of a node name.
func (gr *Graph) Kind(name string) (workflow.Kind, bool) {
	k, ok := gr.kinds[name]
	return k, ok
}

// Dependencies returns the names that `name` depends on directly (edges
// name -> x), sorted for deterministic callers.
func (gr *Graph) Dependencies(name string) []string {
	n, ok := gr.byName[name]
	if !ok {
		return nil
	}
	var out []string
	it := gr.g.From(n.ID())
	for it.Next() {
		out = append(out, gr.byID[it.Node().ID()])
	}
	sort.Strings(out)
	return out
}

// Edges returns every edge in the graph as (From, To) dependency pairs,
// sorted for deterministic callers (e.g. a CLI "explain" verb dumping
// the graph spec.md §3 describes).
func (gr *Graph) Edges() []workflow.Edge {
	var out []workflow.Edge
	for _, from := range gr.Nodes() {
		for _, to := range gr.Dependencies(from) {
			out = append(out, workflow.Edge{From: from, To: to})
		}
	}
	return out
}

// Dependents returns the names that depend directly on `name` (edges x
// -> name).
func (gr *Graph) Dependents(name string) []string {
	n, ok := gr.byName[name]
	if !ok {
		return nil
	}
	var out []string
	it := gr.g.To(n.ID())
	for it.Next() {
		out = append(out, gr.byID[it.Node().ID()])
	}
	sort.Strings(out)
	return out
}

// Layers computes the topological layering (spec.md §4.C #3): layer 0 is
// every node with in-degree 0 in the "depends-on" sense (no
// dependencies); layer k+1 holds nodes whose remaining dependencies all
// live in layers <= k. Kahn's algorithm peeling the dependency graph
// rather than the dependent graph, since a node is ready once its
// dependencies (not its dependents) are satisfied.
func (gr *Graph) Layers() [][]string {
	if gr.layersOK {
		return gr.layers
	}
	remaining := make(map[string]map[string]bool, len(gr.byName))
	for name := range gr.byName {
		deps := gr.Dependencies(name)
		m := make(map[string]bool, len(deps))
		for _, d := range deps {
			m[d] = true
		}
		remaining[name] = m
	}

	var layers [][]string
	placed := make(map[string]bool, len(gr.byName))
	for len(placed) < len(gr.byName) {
		var layer []string
		for name, deps := range remaining {
			if placed[name] {
				continue
			}
			ready := true
			for d := range deps {
				if !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			break // defensive: a real cycle would already have failed in Build
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, name := range layer {
			placed[name] = true
		}
	}
	gr.layers = layers
	gr.layersOK = true
	return layers
}

// MaxUsefulParallelism is the maximum layer width among layers that
// still contain at least one outdated node (spec.md §4.C #4), used to
// cap worker counts. outdated maps node name -> whether the staleness
// oracle considers it outdated.
func MaxUsefulParallelism(layers [][]string, outdated map[string]bool) int {
	max := 0
	for _, layer := range layers {
		anyOutdated := false
		for _, name := range layer {
			if outdated[name] {
				anyOutdated = true
				break
			}
		}
		if !anyOutdated {
			continue
		}
		if len(layer) > max {
			max = len(layer)
		}
	}
	return max
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStrings(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

var _ graph.Node = (*node)(nil)
