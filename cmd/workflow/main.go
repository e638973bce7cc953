// Command workflow is the CLI driver for the build engine (spec.md §6).
// It loads a JSON plan file, an optional JSON environment file, builds
// the graph, schedules and dispatches outdated targets, and exits with
// the code spec.md §6 documents. Grounded on cmd/distri/distri.go's
// flag-parse/profile/InterruptibleContext/RunAtExit shape, trimmed down
// to the single "build" verb this module needs; the surrounding
// package-manager verbs (install, update, gc, mirror, ...) have no
// counterpart in a standalone build engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/driver"
	"github.com/distr1/workflow/expr"
	"github.com/distr1/workflow/internal/dispatch"
	"github.com/distr1/workflow/internal/schedule"
)

var (
	planPath    = flag.String("plan", "plan.json", "path to a JSON plan file: [{target, command, trigger?, evaluator?}]")
	envPath     = flag.String("env", "", "path to a JSON environment file (optional)")
	cacheDir    = flag.String("cache_dir", ".workflow-cache", "cache directory")
	backend     = flag.String("backend", "forked", "default dispatch backend: forked or spawned")
	maxParallel = flag.Int("max_parallel", 4, "maximum concurrent targets")
	keepGoing   = flag.Bool("keep_going", false, "continue building unaffected targets after a failure")
	strict      = flag.Bool("strict", false, "treat missing dependencies as fatal")
	verbose     = flag.Bool("verbose", false, "log every target's start/finish, not just warnings and failures")
	staged      = flag.Bool("staged", false, "use the staged (layer-by-layer) scheduling strategy instead of dynamic")
	rootSeed    = flag.Int64("seed", 0, "root seed for deterministic per-target seeding")
	explain     = flag.Bool("explain", false, "print the dependency graph's edges and exit without building")
	dryRun      = flag.Bool("dry_run", false, "print the topological layers and max_useful_parallelism and exit without building")
)

// jsonRow mirrors driver.Row for JSON plan files.
type jsonRow struct {
	Target    string `json:"target"`
	Command   string `json:"command"`
	Trigger   string `json:"trigger,omitempty"`
	Evaluator string `json:"evaluator,omitempty"`
}

// jsonImport mirrors workflow.Import for JSON environment files: only
// the ImportValue shape (a plain JSON value) is representable this way.
// Function and file imports must be wired up by an embedding Go program
// via driver.Build directly.
type jsonImport struct {
	Value interface{} `json:"value"`
}

func loadPlan(path string) ([]driver.Row, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []jsonRow
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	out := make([]driver.Row, len(rows))
	for i, r := range rows {
		out[i] = driver.Row{Target: r.Target, Command: r.Command, Trigger: r.Trigger, Evaluator: r.Evaluator}
	}
	return out, nil
}

func loadEnv(path string) (workflow.Environment, error) {
	if path == "" {
		return workflow.Environment{}, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]jsonImport
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("env %s: %w", path, err)
	}
	env := make(workflow.Environment, len(raw))
	for name, imp := range raw {
		env[name] = workflow.Import{Name: name, Kind: workflow.ImportValue, Value: imp.Value}
	}
	return env, nil
}

func funcmain() (driver.ExitCode, error) {
	flag.Parse()

	rows, err := loadPlan(*planPath)
	if err != nil {
		return driver.ExitAborted, err
	}
	env, err := loadEnv(*envPath)
	if err != nil {
		return driver.ExitAborted, err
	}

	cfg := workflow.DefaultConfig()
	cfg.CacheDir = *cacheDir
	cfg.Backend = *backend
	cfg.MaxParallel = *maxParallel
	cfg.KeepGoing = *keepGoing
	cfg.Strict = *strict
	cfg.Verbose = *verbose
	cfg.RootSeed = *rootSeed

	strategy := schedule.Dynamic
	if *staged {
		strategy = schedule.Staged
	}

	opts := driver.Options{
		Parser:    expr.RefParser{},
		Deparser:  expr.RefDeparser{},
		Evaluator: expr.RefEvaluator{},
		Backends: map[string]dispatch.Backend{
			"forked":  &dispatch.ForkedPool{Workers: cfg.MaxParallel},
			"spawned": &dispatch.SpawnedPool{Workers: cfg.MaxParallel},
		},
		Config:   cfg,
		Strategy: strategy,
	}

	if *explain {
		g, err := driver.Plan(rows, env, opts)
		if err != nil {
			return driver.ExitAborted, err
		}
		for _, e := range g.Edges() {
			fmt.Printf("%s -> %s\n", e.From, e.To)
		}
		return driver.ExitOK, nil
	}

	if *dryRun {
		insp, err := driver.Inspect(rows, env, opts)
		if err != nil {
			return driver.ExitAborted, err
		}
		for i, layer := range insp.Layers {
			fmt.Printf("layer %d: %s\n", i, strings.Join(layer, ", "))
		}
		fmt.Printf("max_useful_parallelism: %d\n", insp.MaxUsefulParallel)
		return driver.ExitOK, nil
	}

	ctx, canc := workflow.InterruptibleContext()
	defer canc()

	exit, summary, err := driver.Build(ctx, rows, env, opts)
	if summary != nil {
		log.Printf("built=%v skipped=%v failed=%v", summary.Built, summary.Skipped, summary.Failed)
	}
	if atErr := workflow.RunAtExit(); atErr != nil && err == nil {
		err = atErr
	}
	return exit, err
}

func main() {
	exit, err := funcmain()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(int(exit))
}
