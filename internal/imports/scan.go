// Package imports implements the import scanner (spec.md §4.B): for
// every binding reachable from the plan's root names, compute its
// dependency set. Grounded on distri/internal/build.Digest, which walks
// a build's declared deps plus the builder's own implicit toolchain
// deps (Builderdeps) the same way this scanner walks function bodies
// plus their closures.
package imports

import (
	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/internal/analyze"
	"github.com/distr1/workflow/internal/subdoc"
)

// Scan computes the DepSet for every import reachable (transitively,
// through globals that resolve to other env entries) from roots.
func Scan(env workflow.Environment, roots []string, subdocX subdoc.Extractor) (map[string]*analyze.DepSet, error) {
	out := make(map[string]*analyze.DepSet, len(env))
	seen := make(map[string]bool)
	var queue []string
	queue = append(queue, roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		imp, ok := env[name]
		if !ok {
			continue // unknown identifier: MissingDependency is raised by the graph builder
		}
		d, err := scanOne(imp, name, subdocX)
		if err != nil {
			return nil, err
		}
		out[name] = d
		for g := range d.Globals {
			if _, ok := env[g]; ok && !seen[g] {
				queue = append(queue, g)
			}
		}
		for l := range d.Loads {
			if _, ok := env[l]; ok && !seen[l] {
				queue = append(queue, l)
			}
		}
	}
	return out, nil
}

func scanOne(imp workflow.Import, name string, subdocX subdoc.Extractor) (*analyze.DepSet, error) {
	switch imp.Kind {
	case workflow.ImportValue, workflow.ImportFile:
		// Identity is the import's content hash (computed by
		// internal/hashstore); no structural dependencies.
		return &analyze.DepSet{
			Globals:    map[string]bool{},
			Loads:      map[string]bool{},
			Reads:      map[string]bool{},
			Writes:     map[string]bool{},
			Subdocs:    map[string]bool{},
			Namespaced: map[string]bool{},
		}, nil
	case workflow.ImportFunction:
		d, err := analyze.AnalyzeValue(imp.Func, analyze.Options{
			SelfName: name,
			Subdoc:   subdocX,
		})
		if err != nil {
			return nil, err
		}
		// Imports cannot declare outputs: drop writes and subdocs,
		// but keep reads so file dependencies of imported functions
		// are still tracked (spec.md §4.B).
		d.Writes = map[string]bool{}
		d.Subdocs = map[string]bool{}
		return d, nil
	default:
		return nil, &unknownImportKindError{name: name}
	}
}

type unknownImportKindError struct{ name string }

func (e *unknownImportKindError) Error() string {
	return "imports: unknown import kind for " + e.name
}
