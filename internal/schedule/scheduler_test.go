package schedule

import (
	"context"
	"errors"
	"testing"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/expr"
	"github.com/distr1/workflow/internal/analyze"
	"github.com/distr1/workflow/internal/dispatch"
	"github.com/distr1/workflow/internal/graph"
	"github.com/distr1/workflow/internal/hashstore"
	"github.com/distr1/workflow/internal/subdoc"
)

// buildGraph is a small test helper mirroring how a driver assembles a
// graph.BuildInput from a plan: parse each row's command, analyze it,
// and hand the merged dependency sets to graph.Build.
func buildGraph(t *testing.T, rows map[string]string) (*graph.Graph, map[string]workflow.Node) {
	t.Helper()
	parser := expr.RefParser{}
	targets := make([]string, 0, len(rows))
	nodes := make(map[string]workflow.Node, len(rows))
	deps := make(map[string]*analyze.DepSet, len(rows))
	for name, src := range rows {
		e, err := parser.Parse(src)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		targets = append(targets, name)
		nodes[name] = workflow.Node{Name: name, Kind: workflow.Target, Command: e, Trigger: workflow.TriggerAny}
		d, err := analyze.Analyze(e, analyze.Options{SelfName: name, Subdoc: subdoc.NoopExtractor{}})
		if err != nil {
			t.Fatalf("analyze %s: %v", name, err)
		}
		deps[name] = d
	}
	res, err := graph.Build(graph.BuildInput{Targets: targets, TargetDeps: deps})
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	return res.Graph, nodes
}

func newTestScheduler(t *testing.T, g *graph.Graph, nodes map[string]workflow.Node) *Scheduler {
	t.Helper()
	store, err := hashstore.Open(t.TempDir(), "fnv64a", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]dispatch.Backend{
		"forked": &dispatch.ForkedPool{Workers: 4},
	}
	cfg := workflow.DefaultConfig()
	cfg.Backend = "forked"
	cfg.MaxParallel = 4
	s, err := NewScheduler(cfg, g, store, nodes, workflow.Environment{}, expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

var errNoFiles = &noFileError{}

type noFileError struct{}

func (*noFileError) Error() string { return "no files in this test" }

// failingEvaluator returns an error from every Eval call.
type failingEvaluator struct{}

func (failingEvaluator) Eval(expr.Expr, expr.Scope, int64) (expr.Value, error) {
	return nil, errors.New("unexpected evaluation")
}

func TestBasicChain(t *testing.T) {
	g, nodes := buildGraph(t, map[string]string{
		"a": "1",
		"b": "a + 1",
		"c": "b * 2",
	})
	layers := g.Layers()
	if len(layers) != 3 {
		t.Fatalf("layers = %v, want 3 layers", layers)
	}

	s := newTestScheduler(t, g, nodes)
	summary, err := s.Run(context.Background(), Dynamic)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Failed) != 0 || len(summary.Skipped) != 0 {
		t.Fatalf("summary = %+v, want no failures", summary)
	}
	if len(summary.Built) != 3 {
		t.Fatalf("built = %v, want 3 targets", summary.Built)
	}

	cHash, _ := s.resolve("c")
	wantHash, err := hashstore.ValueHash(int64(4))
	if err != nil {
		t.Fatal(err)
	}
	if cHash != wantHash {
		t.Errorf("c's value hash = %q, want %q (value 4)", cHash, wantHash)
	}
}

func TestSecondRunEvaluatesNothing(t *testing.T) {
	g, nodes := buildGraph(t, map[string]string{
		"a": "1",
		"b": "a + 1",
		"c": "b * 2",
	})
	store, err := hashstore.Open(t.TempDir(), "fnv64a", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]dispatch.Backend{"forked": &dispatch.ForkedPool{Workers: 4}}
	cfg := workflow.DefaultConfig()
	cfg.Backend = "forked"

	s1, err := NewScheduler(cfg, g, store, nodes, workflow.Environment{}, expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Run(context.Background(), Dynamic); err != nil {
		t.Fatal(err)
	}

	// The second run's evaluator fails every call, so the run succeeds
	// only if no target is dispatched.
	s2, err := NewScheduler(cfg, g, store, nodes, workflow.Environment{}, expr.RefDeparser{}, failingEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := s2.Run(context.Background(), Dynamic)
	if err != nil {
		t.Fatal(err)
	}
	// All three targets are reported Built (reused from cache).
	if len(summary.Built) != 3 {
		t.Fatalf("second run built = %v, want all 3 reused", summary.Built)
	}
}

func TestParallelWidthScenario(t *testing.T) {
	g, nodes := buildGraph(t, map[string]string{
		"a": "1",
		"b": "2",
		"c": "3",
		"d": "4",
		"e": "a + b",
	})
	layers := g.Layers()
	if len(layers) != 2 {
		t.Fatalf("layers = %v, want 2", layers)
	}
	if len(layers[0]) != 4 {
		t.Fatalf("layer 0 = %v, want width 4", layers[0])
	}

	outdated := map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true}
	if got := graph.MaxUsefulParallelism(layers, outdated); got != 4 {
		t.Errorf("MaxUsefulParallelism = %d, want 4", got)
	}

	s := newTestScheduler(t, g, nodes)
	if _, err := s.Run(context.Background(), Staged); err != nil {
		t.Fatal(err)
	}
}

// TestMaxUsefulParallelismCapsAfterFirstRun covers spec.md §4.C #4: once
// every target in the widest layer is cached and up to date, a second
// run's max_useful_parallelism collapses to 0 (no cap needed, nothing
// outdated), where the first run's was the full layer width.
func TestMaxUsefulParallelismCapsAfterFirstRun(t *testing.T) {
	g, nodes := buildGraph(t, map[string]string{
		"a": "1",
		"b": "2",
		"c": "3",
		"d": "4",
	})
	dir := t.TempDir()
	store, err := hashstore.Open(dir, "fnv64a", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]dispatch.Backend{"forked": &dispatch.ForkedPool{Workers: 4}}
	cfg := workflow.DefaultConfig()
	cfg.Backend = "forked"

	s1, err := NewScheduler(cfg, g, store, nodes, workflow.Environment{}, expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	if got := s1.MaxUsefulParallelism(); got != 4 {
		t.Fatalf("first run MaxUsefulParallelism = %d, want 4 (all 4 outdated)", got)
	}
	if _, err := s1.Run(context.Background(), Dynamic); err != nil {
		t.Fatal(err)
	}

	s2, err := NewScheduler(cfg, g, store, nodes, workflow.Environment{}, expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.MaxUsefulParallelism(); got != 0 {
		t.Fatalf("second run MaxUsefulParallelism = %d, want 0 (nothing outdated)", got)
	}
}

func TestKeepGoingSkipsDependents(t *testing.T) {
	g, nodes := buildGraph(t, map[string]string{
		"a": "1 / 0", // RefEvaluator's arith doesn't actually error on 1/0 (float div), so force a real failure via an undefined identifier instead
		"b": "a + 1",
	})
	// Replace a's command with something that genuinely fails at eval time.
	parser := expr.RefParser{}
	e, err := parser.Parse("undefined_ident")
	if err != nil {
		t.Fatal(err)
	}
	n := nodes["a"]
	n.Command = e
	nodes["a"] = n

	store, err := hashstore.Open(t.TempDir(), "fnv64a", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]dispatch.Backend{"forked": &dispatch.ForkedPool{Workers: 4}}
	cfg := workflow.DefaultConfig()
	cfg.Backend = "forked"
	cfg.KeepGoing = true

	s, err := NewScheduler(cfg, g, store, nodes, workflow.Environment{}, expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := s.Run(context.Background(), Dynamic)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "a" {
		t.Fatalf("Failed = %v, want [a]", summary.Failed)
	}
	if len(summary.Skipped) != 1 || summary.Skipped[0] != "b" {
		t.Fatalf("Skipped = %v, want [b]", summary.Skipped)
	}
}

func TestImportFunctionChangeInvalidates(t *testing.T) {
	parser := expr.RefParser{}
	e, err := parser.Parse("f(3)")
	if err != nil {
		t.Fatal(err)
	}
	targets := []string{"y"}
	nodes := map[string]workflow.Node{
		"y": {Name: "y", Kind: workflow.Target, Command: e, Trigger: workflow.TriggerAny},
	}
	d, err := analyze.Analyze(e, analyze.Options{SelfName: "y", Subdoc: subdoc.NoopExtractor{}})
	if err != nil {
		t.Fatal(err)
	}

	mkEnv := func(body string) workflow.Environment {
		be, err := parser.Parse(body)
		if err != nil {
			t.Fatal(err)
		}
		return workflow.Environment{
			"f": {Name: "f", Kind: workflow.ImportFunction, Func: &expr.Function{Params: []string{"x"}, Body: be}},
		}
	}

	res, err := graph.Build(graph.BuildInput{
		Targets:    targets,
		Imports:    []string{"f"},
		TargetDeps: map[string]*analyze.DepSet{"y": d},
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	store, err := hashstore.Open(dir, "fnv64a", "sha256")
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]dispatch.Backend{"forked": &dispatch.ForkedPool{Workers: 4}}
	cfg := workflow.DefaultConfig()
	cfg.Backend = "forked"

	s1, err := NewScheduler(cfg, res.Graph, store, nodes, mkEnv("x + 1"), expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Run(context.Background(), Dynamic); err != nil {
		t.Fatal(err)
	}
	h1, _ := s1.resolve("y")

	s2, err := NewScheduler(cfg, res.Graph, store, nodes, mkEnv("x + 100"), expr.RefDeparser{}, expr.RefEvaluator{}, backends, subdoc.NoopExtractor{}, noFiles)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := s2.Run(context.Background(), Dynamic)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Built) != 1 || summary.Built[0] != "y" {
		t.Fatalf("summary.Built = %v, want [y] evaluated again", summary.Built)
	}
	h2, _ := s2.resolve("y")
	if h1 == h2 {
		t.Errorf("value hash unchanged after redefining f, want different (4 -> 103)")
	}
}

// TestTargetPredsThroughFileNode covers spec.md §4.C/§5: a consumer
// reading another target's file_out() output has edges
// consumer -> file:p -> producer, so the producer must count as a
// predecessor of the consumer even though it isn't a direct dependency.
func TestTargetPredsThroughFileNode(t *testing.T) {
	parser := expr.RefParser{}
	producer, err := parser.Parse(`file_out("p.txt", 1)`)
	if err != nil {
		t.Fatal(err)
	}
	consumer, err := parser.Parse(`file_in("p.txt")`)
	if err != nil {
		t.Fatal(err)
	}
	nodes := map[string]workflow.Node{
		"producer": {Name: "producer", Kind: workflow.Target, Command: producer, Trigger: workflow.TriggerAny},
		"consumer": {Name: "consumer", Kind: workflow.Target, Command: consumer, Trigger: workflow.TriggerAny},
	}
	dProducer, err := analyze.Analyze(producer, analyze.Options{SelfName: "producer", Subdoc: subdoc.NoopExtractor{}})
	if err != nil {
		t.Fatal(err)
	}
	dConsumer, err := analyze.Analyze(consumer, analyze.Options{SelfName: "consumer", Subdoc: subdoc.NoopExtractor{}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := graph.Build(graph.BuildInput{
		Targets: []string{"producer", "consumer"},
		TargetDeps: map[string]*analyze.DepSet{
			"producer": dProducer,
			"consumer": dConsumer,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, res.Graph, nodes)
	preds := s.targetPreds("consumer")
	if len(preds) != 1 || preds[0] != "producer" {
		t.Fatalf("targetPreds(consumer) = %v, want [producer]", preds)
	}
	if len(s.targetPreds("producer")) != 0 {
		t.Fatalf("targetPreds(producer) = %v, want none", s.targetPreds("producer"))
	}
}

func noFiles(string) ([]byte, error) { return nil, errNoFiles }
