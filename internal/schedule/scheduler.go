// Package schedule implements the scheduler (spec.md §4.F): the staged
// and dynamic strategies that walk the dependency graph, consult the
// staleness oracle per target, and dispatch outdated targets to a
// backend. Grounded directly on distr1/distri/internal/batch.scheduler:
// the dynamic strategy reuses its work-channel/done-channel/errgroup
// shape (batch.go's `scheduler.run`), and the staged strategy reuses the
// same per-layer parallel-dispatch idea that batch.Ctx.Build applies
// across its whole graph at once.
package schedule

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/expr"
	"github.com/distr1/workflow/internal/dispatch"
	"github.com/distr1/workflow/internal/graph"
	"github.com/distr1/workflow/internal/hashstore"
	"github.com/distr1/workflow/internal/stale"
	"github.com/distr1/workflow/internal/subdoc"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Strategy selects one of the two scheduling algorithms spec.md §4.F
// requires.
type Strategy int

const (
	// Staged walks the topological layering one layer at a time,
	// dispatching every outdated node in a layer before proceeding.
	Staged Strategy = iota
	// Dynamic maintains a ready queue and a fixed worker pool; a
	// target is dispatched as soon as its predecessors finish,
	// without waiting for the rest of its layer.
	Dynamic
)

// State is a target's position in spec.md §4.F's state machine.
type State int

const (
	Pending State = iota
	Ready
	Building
	Built
	Failed
	Aborted
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Building:
		return "Building"
	case Built:
		return "Built"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// Summary is the run's outcome, matching the driver's {built, skipped,
// failed} contract (spec.md §6).
type Summary struct {
	Built   []string
	Skipped []string
	Failed  []string
	Aborted bool
}

// isTerminal reports whether stdout is a terminal, gating the scheduler's
// progress display. Grounded verbatim on
// distr1/distri/internal/batch.isTerminal.
var isTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}()

// Scheduler drives a single build run. It owns all in-memory run state;
// a fresh Scheduler (via NewScheduler) is created per invocation of the
// driver's build() surface.
type Scheduler struct {
	Config    workflow.Config
	Graph     *graph.Graph
	Store     *hashstore.Store
	Deparser  expr.Deparser
	Evaluator expr.Evaluator
	Backends  map[string]dispatch.Backend
	Targets   map[string]workflow.Node
	Subdoc    subdoc.Extractor
	ReadFile  func(path string) ([]byte, error)

	mu         sync.Mutex
	state      map[string]State
	valueHash  map[string]string
	value      map[string]expr.Value
	importHash map[string]string
	subdocHash map[string]string
	result     Summary
	built      int

	usefulOnce sync.Once
	usefulVal  int
}

// NewScheduler precomputes every environment import's identity hash (its
// content never changes mid-run: spec.md §4.E "recursively evaluated for
// imports") and returns a Scheduler ready to Run.
func NewScheduler(
	cfg workflow.Config,
	g *graph.Graph,
	store *hashstore.Store,
	targets map[string]workflow.Node,
	env workflow.Environment,
	dp expr.Deparser,
	ev expr.Evaluator,
	backends map[string]dispatch.Backend,
	subdocX subdoc.Extractor,
	readFile func(string) ([]byte, error),
) (*Scheduler, error) {
	s := &Scheduler{
		Config:     cfg,
		Graph:      g,
		Store:      store,
		Deparser:   dp,
		Evaluator:  ev,
		Backends:   backends,
		Targets:    targets,
		Subdoc:     subdocX,
		ReadFile:   readFile,
		state:      map[string]State{},
		valueHash:  map[string]string{},
		value:      map[string]expr.Value{},
		importHash: map[string]string{},
		subdocHash: map[string]string{},
	}
	names := maps.Keys(env)
	sort.Strings(names)
	for _, name := range names {
		h, v, err := s.resolveImport(env[name])
		if err != nil {
			return nil, xerrors.Errorf("schedule: import %s: %w", name, err)
		}
		s.importHash[name] = h
		s.value[name] = v
	}
	return s, nil
}

func (s *Scheduler) resolveImport(imp workflow.Import) (hash string, value expr.Value, err error) {
	switch imp.Kind {
	case workflow.ImportValue:
		h, err := hashstore.ValueHash(imp.Value)
		return h, imp.Value, err
	case workflow.ImportFunction:
		if imp.Func == nil {
			return "", nil, xerrors.New("nil function import")
		}
		body := imp.Func.Body
		if imp.Func.WrappedSlot != "" {
			if inner, ok := imp.Func.Closure[imp.Func.WrappedSlot].(*expr.Function); ok {
				body = inner.Body
			}
		}
		text, derr := s.Deparser.Deparse(body)
		if derr != nil {
			return "", nil, derr
		}
		h := hashstore.LongHash([]byte(strings.Join(imp.Func.Params, ",") + "|" + text))
		return h, imp.Func, nil
	case workflow.ImportFile:
		b, rerr := s.ReadFile(imp.File.Path)
		if rerr != nil {
			return "", nil, rerr
		}
		return hashstore.FileHash(b), imp.File, nil
	default:
		return "", nil, xerrors.New("unknown import kind")
	}
}

// Run executes the build under strategy and returns the summary. The
// returned error is non-nil only for a fatal/aborted run (matching exit
// code 2) or cancellation (exit code 130); per-target failures under
// keep_going are reported only in the Summary.
func (s *Scheduler) Run(ctx context.Context, strategy Strategy) (*Summary, error) {
	var err error
	switch strategy {
	case Staged:
		err = s.runStaged(ctx)
	default:
		err = s.runDynamic(ctx)
	}

	s.mu.Lock()
	slices.Sort(s.result.Built)
	slices.Sort(s.result.Skipped)
	slices.Sort(s.result.Failed)
	summary := s.result
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return &summary, xerrors.Errorf("schedule: %w", workflow.ErrCancelled)
		}
		return &summary, err
	}
	return &summary, nil
}

func (s *Scheduler) filterTargets(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := s.Targets[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// targetPreds returns every target name must wait for before dispatching,
// peeling through non-target nodes (file:/subdoc: markers) rather than
// stopping at name's direct dependencies: a consumer reading another
// target's output file has edges consumer -> file:p -> producer, and
// in-degree tracking that only counted direct target deps would see the
// consumer as ready before the producer ever ran.
func (s *Scheduler) targetPreds(name string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, dep := range s.Graph.Dependencies(n) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := s.Targets[dep]; ok {
				out = append(out, dep)
				continue
			}
			walk(dep)
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}

func (s *Scheduler) getState(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[name]
}

func (s *Scheduler) setState(name string, st State) {
	s.mu.Lock()
	s.state[name] = st
	s.mu.Unlock()
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	s.Config.Logger().Printf(format, args...)
}

// reportProgress mirrors batch.scheduler.updateStatus: a single
// self-overwriting line, emitted only on an interactive terminal.
func (s *Scheduler) reportProgress(total int) {
	if !isTerminal {
		return
	}
	s.mu.Lock()
	s.built++
	built := s.built
	s.mu.Unlock()
	fmt.Fprintf(os.Stdout, "\r%d/%d targets built", built, total)
}

// runStaged implements spec.md §4.F's staged strategy.
func (s *Scheduler) runStaged(ctx context.Context) error {
	layers := s.Graph.Layers()
	total := 0
	for _, l := range layers {
		total += len(s.filterTargets(l))
	}
	var keepGoingErr error
	for _, layer := range layers {
		names := s.filterTargets(layer)
		if len(names) == 0 {
			continue
		}
		backend := s.Backends[s.Config.Backend]
		sem := make(chan struct{}, s.maxParallel(backend))
		eg, gctx := errgroup.WithContext(ctx)
		for _, name := range names {
			name := name
			sem <- struct{}{}
			eg.Go(func() error {
				defer func() { <-sem }()
				err := s.processTarget(gctx, name, total)
				if err != nil && s.Config.KeepGoing {
					keepGoingErr = err
					return nil
				}
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return keepGoingErr
}

// runDynamic implements spec.md §4.F's dynamic strategy: a ready queue
// fed by in-degree-of-unbuilt-predecessors, drained by a fixed worker
// pool. Grounded on distr1/distri/internal/batch.scheduler.run.
func (s *Scheduler) runDynamic(ctx context.Context) error {
	backend := s.Backends[s.Config.Backend]
	workers := s.maxParallel(backend)

	names := s.filterTargets(s.Graph.Nodes())
	if len(names) == 0 {
		return nil
	}

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, n := range names {
		preds := s.targetPreds(n)
		indegree[n] = len(preds)
		for _, p := range preds {
			dependents[p] = append(dependents[p], n)
		}
	}

	work := make(chan string, len(names))
	done := make(chan string, len(names))
	eg, gctx := errgroup.WithContext(ctx)

	var firstErrMu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for name := range work {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := s.processTarget(gctx, name, len(names)); err != nil {
					if s.Config.KeepGoing {
						recordErr(err)
					} else {
						return err
					}
				}
				select {
				case done <- name:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	pending := len(names)
	for _, n := range names {
		if indegree[n] == 0 {
			work <- n
		}
	}

	master := make(chan struct{})
	go func() {
		defer close(master)
		for pending > 0 {
			select {
			case n := <-done:
				pending--
				for _, dep := range dependents[n] {
					indegree[dep]--
					if indegree[dep] == 0 {
						work <- dep
					}
				}
			case <-gctx.Done():
				close(work)
				return
			}
		}
		close(work)
	}()
	<-master

	if err := eg.Wait(); err != nil {
		return err
	}
	firstErrMu.Lock()
	defer firstErrMu.Unlock()
	return firstErr
}

func (s *Scheduler) maxParallel(backend dispatch.Backend) int {
	mp := s.Config.MaxParallel
	if mp <= 0 {
		mp = 1
	}
	if backend != nil {
		if bp := backend.MaxParallel(); bp > 0 && bp < mp {
			mp = bp
		}
	}
	if up := s.MaxUsefulParallelism(); up > 0 && up < mp {
		mp = up
	}
	return mp
}

// MaxUsefulParallelism computes spec.md §4.C #4's max_useful_parallelism:
// the widest topological layer (per Graph.Layers) that still contains at
// least one outdated target, from a staleness snapshot taken once up
// front (before any target in this run has built). It caps how many
// workers runStaged/runDynamic actually start, and backs the driver's
// dry-run inspection surface. A failure partway through the snapshot
// (e.g. an unreadable output file) degrades to "no cap" rather than
// failing the run, since this is an optimization hint, not a build
// requirement the same failure will surface for real during dispatch.
func (s *Scheduler) MaxUsefulParallelism() int {
	s.usefulOnce.Do(func() {
		layers := s.Graph.Layers()
		outdated := make(map[string]bool, len(s.Targets))
		for name := range s.Targets {
			stale, err := s.checkStale(name)
			if err != nil {
				s.logf("warning: max_useful_parallelism: %v", err)
				s.usefulVal = 0
				return
			}
			outdated[name] = stale
		}
		s.usefulVal = graph.MaxUsefulParallelism(layers, outdated)
	})
	return s.usefulVal
}

// processTarget runs one target through the state machine: predecessor
// check, staleness check, dispatch or skip.
func (s *Scheduler) processTarget(ctx context.Context, name string, total int) error {
	if err := ctx.Err(); err != nil {
		s.setState(name, Aborted)
		return err
	}

	for _, p := range s.targetPreds(name) {
		switch s.getState(p) {
		case Failed, Skipped, Aborted:
			s.setState(name, Skipped)
			s.mu.Lock()
			s.result.Skipped = append(s.result.Skipped, name)
			s.mu.Unlock()
			s.logf("skip %s: dependency %s did not build", name, p)
			return nil
		}
	}

	s.setState(name, Ready)
	outdated, err := s.checkStale(name)
	if err != nil {
		return s.fail(name, err)
	}
	if !outdated {
		if err := s.reuse(name); err != nil {
			return s.fail(name, err)
		}
		s.setState(name, Built)
		if s.Config.Verbose {
			s.logf("up-to-date %s", name)
		}
		s.reportProgress(total)
		return nil
	}

	s.setState(name, Building)
	if s.Config.Verbose {
		s.logf("building %s", name)
	}
	if err := s.dispatchOne(ctx, name); err != nil {
		return s.fail(name, err)
	}
	s.setState(name, Built)
	if s.Config.Verbose {
		s.logf("built %s", name)
	}
	s.reportProgress(total)
	return nil
}

// fail records a target failure. Under keep_going the target becomes
// Failed and the run continues (successors transition to Skipped);
// otherwise it becomes Aborted and the error propagates to terminate
// the run (spec.md §4.F state machine).
func (s *Scheduler) fail(name string, err error) error {
	if s.Config.KeepGoing {
		s.setState(name, Failed)
		s.mu.Lock()
		s.result.Failed = append(s.result.Failed, name)
		s.mu.Unlock()
		if s.Config.RecordFailedMeta {
			s.Store.PutMeta(name, workflow.Meta{Err: err.Error(), FinishedAt: time.Now()})
		}
		s.logf("FAIL %s: %v", name, err)
		return nil
	}
	s.setState(name, Aborted)
	s.mu.Lock()
	s.result.Aborted = true
	s.mu.Unlock()
	s.logf("ABORT %s: %v", name, err)
	return xerrors.Errorf("target %s: %w", name, err)
}

func (s *Scheduler) checkStale(name string) (bool, error) {
	node := s.Targets[name]
	cached, err := s.Store.GetMeta(name)
	if err != nil {
		return false, err
	}
	cmdHash, err := hashstore.CommandHash(node.Command, s.Deparser)
	if err != nil {
		return false, xerrors.Errorf("%w: %v", workflow.ErrParse, err)
	}
	dependsHash := stale.ComputeDependsHash(s.Graph.Dependencies(name), s.resolve)

	outFiles := map[string]stale.FileState{}
	for _, dep := range s.Graph.Dependents(name) {
		if kind, _ := s.Graph.Kind(dep); kind != workflow.OutputFile {
			continue
		}
		path := strings.TrimPrefix(dep, "file:")
		b, rerr := s.ReadFile(path)
		if rerr != nil {
			outFiles[path] = stale.FileState{Exists: false}
			continue
		}
		outFiles[path] = stale.FileState{Hash: hashstore.FileHash(b), Exists: true}
	}

	valueExists := false
	if cached != nil {
		valueExists = s.Store.Exists(hashstore.NSObjects, cached.ValueHash)
	}

	in := stale.Inputs{
		Trigger:            node.Trigger,
		CurrentCommandHash: cmdHash,
		CurrentDependsHash: dependsHash,
		OutputFiles:        outFiles,
		ValueExists:        valueExists,
	}
	return stale.Outdated(cached, in), nil
}

// reuse loads a target's cached value without dispatching it.
func (s *Scheduler) reuse(name string) error {
	cached, err := s.Store.GetMeta(name)
	if err != nil {
		return err
	}
	if cached == nil {
		return xerrors.Errorf("reuse %s: no cached meta despite not outdated", name)
	}
	var v expr.Value
	if err := s.Store.GetObject(cached.ValueHash, &v); err != nil {
		return xerrors.Errorf("%w: %v", workflow.ErrCache, err)
	}
	s.mu.Lock()
	s.valueHash[name] = cached.ValueHash
	s.value[name] = v
	s.result.Built = append(s.result.Built, name)
	s.mu.Unlock()
	return nil
}

// resolve implements stale.DependencyResolver: the current content hash
// of any graph node, whether a target built so far this run, a
// precomputed import, a live file, or a sub-document's reference list.
func (s *Scheduler) resolve(name string) (string, bool) {
	s.mu.Lock()
	if h, ok := s.valueHash[name]; ok {
		s.mu.Unlock()
		return h, true
	}
	if h, ok := s.importHash[name]; ok {
		s.mu.Unlock()
		return h, true
	}
	if h, ok := s.subdocHash[name]; ok {
		s.mu.Unlock()
		return h, true
	}
	s.mu.Unlock()

	kind, ok := s.Graph.Kind(name)
	if !ok {
		return "", false
	}
	switch kind {
	case workflow.InputFile, workflow.OutputFile:
		path := strings.TrimPrefix(name, "file:")
		b, err := s.ReadFile(path)
		if err != nil {
			return "", false
		}
		return hashstore.FileHash(b), true
	case workflow.SubDoc:
		path := strings.TrimPrefix(name, "subdoc:")
		refs, err := s.Subdoc.Extract(path)
		if err != nil {
			return "", false
		}
		sorted := append([]string(nil), refs...)
		sort.Strings(sorted)
		h := hashstore.ShortHash([]byte(strings.Join(sorted, ",")))
		s.mu.Lock()
		s.subdocHash[name] = h
		s.mu.Unlock()
		return h, true
	default:
		return "", false
	}
}

// buildScope assembles the evaluation scope for name from its
// already-resolved identifier dependencies (file/subdoc markers never
// enter scope: they are reached via file_in/subdoc_in calls, not bare
// identifiers).
func (s *Scheduler) buildScope(name string) expr.Scope {
	scope := expr.Scope{}
	for _, dep := range s.Graph.Dependencies(name) {
		kind, ok := s.Graph.Kind(dep)
		if !ok || kind == workflow.InputFile || kind == workflow.OutputFile || kind == workflow.SubDoc {
			continue
		}
		s.mu.Lock()
		v, ok := s.value[dep]
		s.mu.Unlock()
		if ok {
			scope[dep] = v
		}
	}
	return scope
}

// seedFor derives the per-target deterministic seed hash(root_seed ||
// target_name) (spec.md §4.F).
func (s *Scheduler) seedFor(name string) int64 {
	raw := hashstore.ShortHash([]byte(strconv.FormatInt(s.Config.RootSeed, 10) + ":" + name))
	v, _ := strconv.ParseUint(raw, 16, 64)
	return int64(v)
}

func (s *Scheduler) backendFor(node workflow.Node) dispatch.Backend {
	name := node.Evaluator
	if name == "" {
		name = s.Config.Backend
	}
	if b, ok := s.Backends[name]; ok {
		return b
	}
	return s.Backends[s.Config.Backend]
}

func (s *Scheduler) cachingFor(backend dispatch.Backend) workflow.CachingSite {
	if s.Config.Caching == workflow.CachingMaster {
		return workflow.CachingMaster
	}
	return backend.CachingSiteDefault()
}

// dispatchOne dispatches name to its backend, retrying once on
// ErrBackend before escalating to ErrEval (spec.md §7).
func (s *Scheduler) dispatchOne(ctx context.Context, name string) error {
	node := s.Targets[name]
	backend := s.backendFor(node)
	item := dispatch.WorkItem{
		Name:      name,
		Command:   node.Command,
		Scope:     s.buildScope(name),
		Seed:      s.seedFor(name),
		Caching:   s.cachingFor(backend),
		Evaluator: s.Evaluator,
	}

	out, err := backend.Dispatch(ctx, item)
	if err != nil && xerrors.Is(err, workflow.ErrBackend) {
		s.logf("backend error for %s, retrying once: %v", name, err)
		out, err = backend.Dispatch(ctx, item)
		if err != nil {
			err = xerrors.Errorf("%s: %w: %v", name, workflow.ErrEval, err)
		}
	}
	if err != nil {
		return err
	}
	if out.Status == dispatch.StatusError {
		return xerrors.Errorf("%s: %w: %v", name, workflow.ErrEval, out.Err)
	}
	return s.commit(name, out, node)
}

// commit persists a freshly computed value and meta record.
func (s *Scheduler) commit(name string, out dispatch.Outcome, node workflow.Node) error {
	hash := out.Hash
	if hash == "" {
		h, err := hashstore.ValueHash(out.Value)
		if err != nil {
			return xerrors.Errorf("%w: %v", workflow.ErrCache, err)
		}
		hash = h
		if err := s.Store.PutObject(hash, out.Value); err != nil {
			return err
		}
	}

	cmdHash, err := hashstore.CommandHash(node.Command, s.Deparser)
	if err != nil {
		return xerrors.Errorf("%w: %v", workflow.ErrParse, err)
	}
	dependsHash := stale.ComputeDependsHash(s.Graph.Dependencies(name), s.resolve)

	var fileHash string
	for _, dep := range s.Graph.Dependents(name) {
		if kind, _ := s.Graph.Kind(dep); kind != workflow.OutputFile {
			continue
		}
		path := strings.TrimPrefix(dep, "file:")
		if b, rerr := s.ReadFile(path); rerr == nil {
			fileHash = hashstore.FileHash(b)
		}
	}

	meta := workflow.Meta{
		CommandHash: cmdHash,
		DependsHash: dependsHash,
		ValueHash:   hash,
		FileHash:    fileHash,
		Seed:        s.seedFor(name),
		ElapsedMs:   out.ElapsedMs,
		FinishedAt:  time.Now(),
	}
	if err := s.Store.PutMeta(name, meta); err != nil {
		return err
	}

	s.mu.Lock()
	s.valueHash[name] = hash
	s.value[name] = out.Value
	s.result.Built = append(s.result.Built, name)
	s.mu.Unlock()
	return nil
}
