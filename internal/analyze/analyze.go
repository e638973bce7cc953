// Package analyze implements the dependency analyzer (spec.md §4.A):
// walking a parsed command to classify every reference into globals,
// target-loads, file reads/writes, sub-document dependencies, and
// namespaced calls. Grounded on distri/internal/build's resolve/glob
// passes, which walk a build proto's dependency fields the same way:
// recognize a small set of well-known fields/markers, descend into
// everything else.
package analyze

import (
	"sort"

	"github.com/distr1/workflow/expr"
	"github.com/distr1/workflow/internal/subdoc"
)

// DepSet is the result of analyzing a single expression (spec.md §4.A).
type DepSet struct {
	Globals    map[string]bool
	Loads      map[string]bool
	Reads      map[string]bool
	Writes     map[string]bool
	Subdocs    map[string]bool
	Namespaced map[string]bool
	// Ignored counts ignore(...) blocks encountered at this level,
	// which contribute nothing else to the DepSet (spec.md §8
	// boundary behavior).
	Ignored int
}

func newDepSet() *DepSet {
	return &DepSet{
		Globals:    map[string]bool{},
		Loads:      map[string]bool{},
		Reads:      map[string]bool{},
		Writes:     map[string]bool{},
		Subdocs:    map[string]bool{},
		Namespaced: map[string]bool{},
	}
}

// Merge folds other into d.
func (d *DepSet) Merge(other *DepSet) {
	for k := range other.Globals {
		d.Globals[k] = true
	}
	for k := range other.Loads {
		d.Loads[k] = true
	}
	for k := range other.Reads {
		d.Reads[k] = true
	}
	for k := range other.Writes {
		d.Writes[k] = true
	}
	for k := range other.Subdocs {
		d.Subdocs[k] = true
	}
	for k := range other.Namespaced {
		d.Namespaced[k] = true
	}
	d.Ignored += other.Ignored
}

// SortedLoads etc. give deterministic iteration order for callers that
// build hash input or graph edges from a DepSet (spec.md I3: dependency
// sets are a pure function of the command's syntax).
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *DepSet) SortedGlobals() []string    { return sortedKeys(d.Globals) }
func (d *DepSet) SortedLoads() []string      { return sortedKeys(d.Loads) }
func (d *DepSet) SortedReads() []string      { return sortedKeys(d.Reads) }
func (d *DepSet) SortedWrites() []string     { return sortedKeys(d.Writes) }
func (d *DepSet) SortedSubdocs() []string    { return sortedKeys(d.Subdocs) }
func (d *DepSet) SortedNamespaced() []string { return sortedKeys(d.Namespaced) }

// Options configures one Analyze call.
type Options struct {
	// SelfName, if non-empty, is stripped from the resulting Globals
	// and Loads (self-loop suppression, spec.md §4.A/§8 P6).
	SelfName string
	// Bound names generic free-variable exclusion with additional
	// formal-parameter bindings beyond what expr.FreeVars already
	// derives from nested *expr.Function nodes (used when Analyze is
	// called directly on a Function's Body by AnalyzeValue).
	Bound map[string]bool
	// Subdoc resolves subdoc_in() paths to their referenced
	// identifiers. Defaults to subdoc.NoopExtractor.
	Subdoc subdoc.Extractor
}

var markerHeads = map[string]bool{
	expr.HeadLoad:     true,
	expr.HeadRead:     true,
	expr.HeadFileIn:   true,
	expr.HeadFileOut:  true,
	expr.HeadSubdocIn: true,
	expr.HeadIgnore:   true,
}

// Analyze walks e and classifies every reference it contains (spec.md
// §4.A).
func Analyze(e expr.Expr, opts Options) (*DepSet, error) {
	d := newDepSet()
	if err := walk(e, d, opts); err != nil {
		return nil, err
	}

	free := expr.FreeVars(e)
	for g := range d.Globals {
		if !free[g] || opts.Bound[g] {
			delete(d.Globals, g)
		}
	}
	for name := range markerHeads {
		delete(d.Globals, name)
	}
	if opts.SelfName != "" {
		delete(d.Globals, opts.SelfName)
		delete(d.Loads, opts.SelfName)
	}
	return d, nil
}

// AnalyzeValue analyzes an imported value (spec.md §4.B). Function
// imports are analyzed over their body, with vectorized-wrapper
// unwrapping applied first (spec.md §4.A "Vectorized wrappers"): if
// fn.WrappedSlot names a closure entry holding another *expr.Function,
// the wrapper's own body is never walked and the inner function's body
// is analyzed instead, preventing spurious dependencies on the wrapper's
// scaffolding. Value and File imports have no dependencies.
func AnalyzeValue(v expr.Value, opts Options) (*DepSet, error) {
	fn, ok := v.(*expr.Function)
	if !ok {
		return newDepSet(), nil
	}
	for fn.WrappedSlot != "" {
		inner, ok := fn.Closure[fn.WrappedSlot].(*expr.Function)
		if !ok {
			break
		}
		fn = inner
	}
	bound := make(map[string]bool, len(opts.Bound)+len(fn.Params))
	for k := range opts.Bound {
		bound[k] = true
	}
	for _, p := range fn.Params {
		bound[p] = true
	}
	sub := opts
	sub.Bound = bound
	return Analyze(fn.Body, sub)
}

func walk(e expr.Expr, d *DepSet, opts Options) error {
	switch n := e.(type) {
	case nil:
		return nil
	case *expr.Literal:
		return nil
	case *expr.Ident:
		d.Globals[n.Name] = true
		return nil
	case *expr.List:
		for _, el := range n.Elems {
			if err := walk(el, d, opts); err != nil {
				return err
			}
		}
		return nil
	case *expr.Function:
		// A function value appearing inline in a command body (rare,
		// but well-formed): its params are bound within its own
		// body, not visible to the surrounding walk.
		inner := opts
		bound := make(map[string]bool, len(opts.Bound)+len(n.Params))
		for k := range opts.Bound {
			bound[k] = true
		}
		for _, p := range n.Params {
			bound[p] = true
		}
		inner.Bound = bound
		return walk(n.Body, d, inner)
	case *expr.Call:
		return walkCall(n, d, opts)
	}
	return nil
}

func walkCall(c *expr.Call, d *DepSet, opts Options) error {
	if pkg, _, ok := expr.IsNamespaced(c.Head); ok {
		d.Namespaced[c.Head] = true
		_ = pkg
		return walkArgs(c.Args, d, opts)
	}

	switch c.Head {
	case expr.HeadIgnore:
		d.Ignored++
		return nil // not descended into: contributes nothing (spec.md §4.A)

	case expr.HeadLoad, expr.HeadRead:
		for _, a := range c.Args {
			if a.Name == expr.ArgList {
				names, err := literalNames(a.Value)
				if err != nil {
					return err
				}
				for _, n := range names {
					d.Loads[n] = true
				}
				continue
			}
			if id, ok := a.Value.(*expr.Ident); ok {
				d.Loads[id.Name] = true
				continue
			}
			// Variable-sourced argument: treated as a global of
			// the surrounding expression.
			if err := walk(a.Value, d, opts); err != nil {
				return err
			}
		}
		return nil

	case expr.HeadFileIn:
		return walkFileMarker(c, d.Reads, d, opts)

	case expr.HeadFileOut:
		return walkFileMarker(c, d.Writes, d, opts)

	case expr.HeadSubdocIn:
		for _, a := range c.Args {
			lit, ok := a.Value.(*expr.Literal)
			if !ok {
				if err := walk(a.Value, d, opts); err != nil {
					return err
				}
				continue
			}
			path, _ := lit.Value.(string)
			d.Subdocs[path] = true
			if opts.Subdoc != nil {
				refs, err := opts.Subdoc.Extract(path)
				if err != nil {
					return err
				}
				for _, r := range refs {
					d.Loads[r] = true
				}
			}
		}
		return nil
	}

	if !expr.ArithmeticHeads[c.Head] {
		d.Globals[c.Head] = true
	}
	return walkArgs(c.Args, d, opts)
}

func walkArgs(args []expr.Arg, d *DepSet, opts Options) error {
	for _, a := range args {
		if err := walk(a.Value, d, opts); err != nil {
			return err
		}
	}
	return nil
}

func walkFileMarker(c *expr.Call, into map[string]bool, d *DepSet, opts Options) error {
	for _, a := range c.Args {
		if a.Name == expr.ArgList {
			names, err := literalNames(a.Value)
			if err != nil {
				return err
			}
			for _, n := range names {
				into[normalizePath(n)] = true
			}
			continue
		}
		if lit, ok := a.Value.(*expr.Literal); ok {
			if s, ok := lit.Value.(string); ok {
				into[normalizePath(s)] = true
				continue
			}
		}
		if err := walk(a.Value, d, opts); err != nil {
			return err
		}
	}
	return nil
}

func normalizePath(p string) string {
	// Quoted/normalized per spec.md §4.A: strip surrounding quotes a
	// caller's literal may still carry.
	if len(p) >= 2 && (p[0] == '"' || p[0] == '\'') && p[len(p)-1] == p[0] {
		return p[1 : len(p)-1]
	}
	return p
}

func literalNames(e expr.Expr) ([]string, error) {
	list, ok := e.(*expr.List)
	if !ok {
		return nil, nil
	}
	var out []string
	for _, el := range list.Elems {
		if id, ok := el.(*expr.Ident); ok {
			out = append(out, id.Name)
			continue
		}
		if lit, ok := el.(*expr.Literal); ok {
			if s, ok := lit.Value.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
