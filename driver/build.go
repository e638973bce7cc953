// Package driver implements the invocation surface (spec.md §6):
// build(plan, env, config) -> (exit status, summary). It owns the one
// step none of the internal packages can own themselves — parsing a
// plan row's raw command text into an expr.Expr via a caller-supplied
// expr.Parser — and then wires internal/analyze, internal/imports,
// internal/graph, internal/hashstore and internal/schedule together in
// the order spec.md §4 lays them out. Grounded on cmd/distri/distri.go's
// top-level `build` subcommand, which performs the same kind of
// load-flags/open-store/run-and-map-exit-code sequencing.
package driver

import (
	"context"
	"io/ioutil"
	"sort"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/expr"
	"github.com/distr1/workflow/internal/analyze"
	"github.com/distr1/workflow/internal/dispatch"
	"github.com/distr1/workflow/internal/graph"
	"github.com/distr1/workflow/internal/hashstore"
	"github.com/distr1/workflow/internal/imports"
	"github.com/distr1/workflow/internal/schedule"
	"github.com/distr1/workflow/internal/subdoc"

	"golang.org/x/xerrors"
)

// Row is one row of the caller-supplied plan in its external, textual
// form (spec.md §3 "Plan", §6): a target name plus its command as raw
// source text, since the expression language itself is an out-of-scope
// external collaborator (spec.md §1).
type Row struct {
	Target  string
	Command string
	// Trigger is the string form accepted by workflow.ParseTrigger.
	// Empty uses Options.Config.TriggerDefault.
	Trigger string
	// Evaluator names a registry entry in Options.Backends overriding
	// the run-wide default backend for this one target.
	Evaluator string
}

// Options bundles everything Build needs beyond the plan rows and
// environment: the external collaborators spec.md §1 calls out, the
// dispatch backend registry, and run configuration.
type Options struct {
	Parser    expr.Parser
	Deparser  expr.Deparser
	Evaluator expr.Evaluator
	// Subdoc resolves subdoc_in() paths. Defaults to
	// subdoc.NoopExtractor.
	Subdoc subdoc.Extractor
	// Backends is the dispatch registry; keys are the names Row.
	// Evaluator and Config.Backend reference.
	Backends map[string]dispatch.Backend
	Config   workflow.Config
	Strategy schedule.Strategy
	// ReadFile reads a file dependency's contents. Defaults to
	// ioutil.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// ExitCode mirrors spec.md §6's driver exit codes.
type ExitCode int

const (
	ExitOK        ExitCode = 0
	ExitFailed    ExitCode = 1
	ExitAborted   ExitCode = 2
	ExitCancelled ExitCode = 130
)

// Plan parses and analyzes rows and env without scheduling or
// dispatching anything: it returns the built dependency graph, for
// callers that only want to inspect or visualize it (spec.md §4.C
// graph) before committing to a run, e.g. a CLI "explain" verb. It
// performs the same strict/missing-dependency handling Build does.
func Plan(rows []Row, env workflow.Environment, opts Options) (*graph.Graph, error) {
	if opts.Subdoc == nil {
		opts.Subdoc = subdoc.NoopExtractor{}
	}
	res, _, err := plan(rows, env, opts)
	if err != nil {
		return nil, err
	}
	return res.Graph, nil
}

// Inspection is the result of a dry-run graph inspection (spec.md §4.C
// #3 "layers()" and #4 "max_useful_parallelism()"): the graph, its
// topological layering, and the widest layer still containing an
// outdated target, computed from a one-time staleness snapshot without
// scheduling or dispatching anything.
type Inspection struct {
	Graph             *graph.Graph
	Layers            [][]string
	MaxUsefulParallel int
}

// Inspect is the driver's dry-run surface: it builds the graph and
// takes a staleness snapshot against the existing cache, but never
// dispatches a target or writes a value, meta or progress entry. Opening
// the store does create the cache directory layout and its config file,
// and clears the cache if its stored hashing algorithms differ from
// Config's. It backs a CLI -dry_run
// verb reporting how a real Build would be scheduled and how much
// parallelism it could actually use.
func Inspect(rows []Row, env workflow.Environment, opts Options) (*Inspection, error) {
	if opts.ReadFile == nil {
		opts.ReadFile = ioutil.ReadFile
	}
	if opts.Subdoc == nil {
		opts.Subdoc = subdoc.NoopExtractor{}
	}
	res, nodes, err := plan(rows, env, opts)
	if err != nil {
		return nil, err
	}
	store, err := hashstore.Open(opts.Config.CacheDir, opts.Config.ShortHashAlgo, opts.Config.LongHashAlgo)
	if err != nil {
		return nil, err
	}
	sched, err := schedule.NewScheduler(opts.Config, res.Graph, store, nodes, env, opts.Deparser, opts.Evaluator, opts.Backends, opts.Subdoc, opts.ReadFile)
	if err != nil {
		return nil, err
	}
	return &Inspection{
		Graph:             res.Graph,
		Layers:            res.Graph.Layers(),
		MaxUsefulParallel: sched.MaxUsefulParallelism(),
	}, nil
}

// Build is the invocation surface spec.md §6 requires. It parses every
// row's command, analyzes and scans dependencies, builds the DAG,
// schedules and dispatches outdated targets, then maps the run's
// outcome onto an exit code. The returned *schedule.Summary is non-nil
// whenever scheduling started, even on a failed or aborted run, so
// callers can report partial progress.
func Build(ctx context.Context, rows []Row, env workflow.Environment, opts Options) (ExitCode, *schedule.Summary, error) {
	if opts.ReadFile == nil {
		opts.ReadFile = ioutil.ReadFile
	}
	if opts.Subdoc == nil {
		opts.Subdoc = subdoc.NoopExtractor{}
	}

	res, nodes, err := plan(rows, env, opts)
	if err != nil {
		return ExitAborted, nil, err
	}

	store, err := hashstore.Open(opts.Config.CacheDir, opts.Config.ShortHashAlgo, opts.Config.LongHashAlgo)
	if err != nil {
		return ExitAborted, nil, err
	}

	registerScratchCleanup(opts.Backends)

	sched, err := schedule.NewScheduler(opts.Config, res.Graph, store, nodes, env, opts.Deparser, opts.Evaluator, opts.Backends, opts.Subdoc, opts.ReadFile)
	if err != nil {
		return ExitAborted, nil, err
	}

	summary, err := sched.Run(ctx, opts.Strategy)
	if err != nil {
		if xerrors.Is(err, workflow.ErrCancelled) {
			return ExitCancelled, summary, err
		}
		return ExitAborted, summary, err
	}
	if len(summary.Failed) > 0 {
		return ExitFailed, summary, nil
	}
	return ExitOK, summary, nil
}

// plan is the shared parse/analyze/scan/build sequence behind both Plan
// and Build.
func plan(rows []Row, env workflow.Environment, opts Options) (*graph.Result, map[string]workflow.Node, error) {
	targets := make([]string, 0, len(rows))
	nodes := make(map[string]workflow.Node, len(rows))
	targetDeps := make(map[string]*analyze.DepSet, len(rows))
	for _, row := range rows {
		e, err := opts.Parser.Parse(row.Command)
		if err != nil {
			return nil, nil, xerrors.Errorf("driver: target %s: %w: %v", row.Target, workflow.ErrParse, err)
		}
		trigger := opts.Config.TriggerDefault
		if row.Trigger != "" {
			t, ok := workflow.ParseTrigger(row.Trigger)
			if !ok {
				return nil, nil, xerrors.Errorf("driver: target %s: %w: unknown trigger %q", row.Target, workflow.ErrParse, row.Trigger)
			}
			trigger = t
		}
		targets = append(targets, row.Target)
		nodes[row.Target] = workflow.Node{
			Name:      row.Target,
			Kind:      workflow.Target,
			Command:   e,
			Trigger:   trigger,
			Evaluator: row.Evaluator,
		}
		d, err := analyze.Analyze(e, analyze.Options{SelfName: row.Target, Subdoc: opts.Subdoc})
		if err != nil {
			return nil, nil, xerrors.Errorf("driver: target %s: %w: %v", row.Target, workflow.ErrParse, err)
		}
		targetDeps[row.Target] = d
	}

	importNames := make([]string, 0, len(env))
	for name := range env {
		importNames = append(importNames, name)
	}
	sort.Strings(importNames)
	importDeps, err := imports.Scan(env, importNames, opts.Subdoc)
	if err != nil {
		return nil, nil, xerrors.Errorf("driver: %w: %v", workflow.ErrParse, err)
	}

	res, err := graph.Build(graph.BuildInput{
		Targets:    targets,
		Imports:    importNames,
		TargetDeps: targetDeps,
		ImportDeps: importDeps,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(res.Missing) > 0 {
		msg := formatMissing(res.Missing)
		if opts.Config.Strict {
			return nil, nil, xerrors.Errorf("driver: %w: %s", workflow.ErrMissingDependency, msg)
		}
		opts.Config.Logger().Printf("warning: %s", msg)
	}
	return res, nodes, nil
}

// registerScratchCleanup queues removal of any backend's run-scoped
// scratch directories with workflow.RunAtExit, so a caller that invokes
// it after Build returns cleans up job scripts and sentinels regardless
// of how the run ended.
func registerScratchCleanup(backends map[string]dispatch.Backend) {
	for _, b := range backends {
		ext, ok := b.(*dispatch.ExternalJob)
		if !ok {
			continue
		}
		scriptDir, sentinelDir := ext.ScriptDir, ext.SentinelDir
		workflow.RegisterAtExit(func() error {
			return removeDirs(scriptDir, sentinelDir)
		})
	}
}

func formatMissing(missing []graph.MissingDependency) string {
	s := ""
	for i, m := range missing {
		if i > 0 {
			s += "; "
		}
		s += m.From + " -> " + m.To
	}
	return s
}
