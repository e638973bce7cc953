// Package workflow implements a reproducible, content-addressed build
// engine: a DAG of named targets is built in dependency order, cached by
// content hash, and only recomputed when a target's command or its
// transitive inputs change. See expr, internal/analyze, internal/graph,
// internal/hashstore, internal/stale, internal/schedule and
// internal/dispatch for the individual components, and driver for the
// invocation surface that wires them together.
package workflow

import "github.com/distr1/workflow/expr"

// Kind distinguishes the role a Node plays in the dependency graph
// (spec.md §3).
type Kind int

const (
	Target Kind = iota
	ImportedObject
	ImportedFunction
	InputFile
	OutputFile
	SubDoc
)

func (k Kind) String() string {
	switch k {
	case Target:
		return "Target"
	case ImportedObject:
		return "ImportedObject"
	case ImportedFunction:
		return "ImportedFunction"
	case InputFile:
		return "InputFile"
	case OutputFile:
		return "OutputFile"
	case SubDoc:
		return "SubDoc"
	default:
		return "Unknown"
	}
}

// Trigger is a per-target policy deciding which changes make a target
// outdated (spec.md §4.E).
type Trigger int

const (
	// TriggerAny is the default: outdated on missing meta, command
	// change, dependency change, or output file change.
	TriggerAny Trigger = iota
	TriggerMissing
	TriggerAlways
	TriggerCommand
	TriggerDepends
	TriggerFileChange
)

func (t Trigger) String() string {
	switch t {
	case TriggerAny:
		return "Any"
	case TriggerMissing:
		return "Missing"
	case TriggerAlways:
		return "Always"
	case TriggerCommand:
		return "Command"
	case TriggerDepends:
		return "Depends"
	case TriggerFileChange:
		return "FileChange"
	default:
		return "Unknown"
	}
}

// ParseTrigger resolves the string form used in plan rows and driver
// config (spec.md §6) to a Trigger value.
func ParseTrigger(s string) (Trigger, bool) {
	switch s {
	case "", "any":
		return TriggerAny, true
	case "missing":
		return TriggerMissing, true
	case "always":
		return TriggerAlways, true
	case "command":
		return TriggerCommand, true
	case "depends":
		return TriggerDepends, true
	case "filechange":
		return TriggerFileChange, true
	default:
		return TriggerAny, false
	}
}

// Node is a vertex of the dependency graph.
type Node struct {
	Name      string
	Kind      Kind
	Command   expr.Expr // only set for Target
	Trigger   Trigger
	Evaluator string // registry name of the backend override, empty = run default
}

// PlanRow is one row of the caller-supplied plan (spec.md §3, §6).
type PlanRow struct {
	Target    string
	Command   expr.Expr
	Trigger   Trigger
	Evaluator string
}

// Import describes one binding the analyzer may reach from the caller's
// environment (spec.md §4.B).
type Import struct {
	Name string
	Kind ImportKind
	// Func is set when Kind == ImportFunction.
	Func *expr.Function
	// File is set when Kind == ImportFile.
	File expr.FileRef
	// Value is set when Kind == ImportValue; its identity is its
	// content hash, computed by internal/hashstore.
	Value expr.Value
}

// ImportKind distinguishes the three import shapes in spec.md §4.B.
type ImportKind int

const (
	ImportFunction ImportKind = iota
	ImportValue
	ImportFile
)

// Environment is the mapping from identifier to import that the analyzer
// walks to produce the import graph (spec.md §6).
type Environment map[string]Import
