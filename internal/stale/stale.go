// Package stale implements the staleness oracle (spec.md §4.E): given a
// target's cached meta record and its current hashes, decide whether a
// rebuild is required. Grounded on distr1/distri/internal/batch.Ctx.Build,
// which compares a freshly computed input_digest against the previously
// recorded one in a package's .meta.textproto and skips the build on a
// match ("if !rebuild && meta.GetInputDigest() == inputDigest { continue
// }").
package stale

import (
	"sort"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/internal/hashstore"
)

// DependencyResolver returns the current content hash of a dependency by
// name, and whether that hash is available yet (a not-yet-built target
// or not-yet-evaluated import is unavailable).
type DependencyResolver func(name string) (hash string, available bool)

// pendingSentinel is substituted for any dependency that is not yet
// available, so ComputeDependsHash never accidentally matches a cached
// depends_hash: spec.md §4.E "Dependencies that are not yet built
// contribute a sentinel that forces outdated."
const pendingSentinel = "\x00pending\x00"

// ComputeDependsHash computes current_depends_hash(t) for the given
// ordered dependency names (spec.md §4.E).
func ComputeDependsHash(depNames []string, resolve DependencyResolver) string {
	names := append([]string(nil), depNames...)
	sort.Strings(names)
	deps := make([]hashstore.DepHash, len(names))
	for i, n := range names {
		h, ok := resolve(n)
		if !ok {
			h = pendingSentinel
		}
		deps[i] = hashstore.DepHash{Name: n, Hash: h}
	}
	return hashstore.DependsHash(deps)
}

// Inputs bundles the current state the oracle compares against a
// target's cached Meta.
type Inputs struct {
	Trigger            workflow.Trigger
	CurrentCommandHash string
	CurrentDependsHash string
	// OutputFiles maps each output file path to (currentHash, exists).
	// Empty for targets with no file_out() outputs.
	OutputFiles map[string]FileState
	// ValueExists reports whether the object store currently holds a
	// value for this target (used only by TriggerMissing).
	ValueExists bool
}

// FileState is one output file's current content hash and existence.
type FileState struct {
	Hash   string
	Exists bool
}

// Outdated applies spec.md §4.E's rules, given the target's cached meta
// (nil if none exists) and its current Inputs.
func Outdated(cached *workflow.Meta, in Inputs) bool {
	if cached == nil {
		return true // rule 1
	}
	if in.Trigger == workflow.TriggerAlways {
		return true // rule 2
	}
	if in.Trigger == workflow.TriggerAny || in.Trigger == workflow.TriggerCommand {
		if in.CurrentCommandHash != cached.CommandHash {
			return true // rule 3
		}
	}
	if in.Trigger == workflow.TriggerAny || in.Trigger == workflow.TriggerDepends {
		if in.CurrentDependsHash != cached.DependsHash {
			return true // rule 4
		}
	}
	if in.Trigger == workflow.TriggerAny || in.Trigger == workflow.TriggerFileChange {
		for _, fs := range in.OutputFiles {
			if !fs.Exists || fs.Hash != cached.FileHash {
				return true // rule 5
			}
		}
	}
	if in.Trigger == workflow.TriggerMissing && !in.ValueExists {
		return true // rule 6
	}
	return false
}
