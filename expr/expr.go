// Package expr defines the boundary between the workflow engine and the
// host expression language. The engine treats commands as opaque syntax
// trees: it walks them to find dependencies (internal/analyze) and hands
// them to an Evaluator to produce a value. Parsing and evaluation
// themselves are out of scope for this module; callers supply their own
// Parser and Evaluator implementations. A minimal reference implementation
// good enough to run the literal scenarios in spec.md lives in
// expr/refimpl.go and is used as cmd/workflow's default parser, deparser
// and evaluator and by the tests of the other packages.
package expr

// Expr is a node in a parsed command's syntax tree.
type Expr interface {
	isExpr()
}

// Ident is a bare identifier reference, e.g. `a` in `b = a + 1`.
type Ident struct {
	Name string
}

func (*Ident) isExpr() {}

// Literal is a constant value: string, number, bool, or nil.
type Literal struct {
	Value interface{}
}

func (*Literal) isExpr() {}

// List is a literal collection of expressions, e.g. `[a, b, c]`. Used as
// the sibling `list = <names>` argument to load()/read() calls.
type List struct {
	Elems []Expr
}

func (*List) isExpr() {}

// Arg is one argument to a Call: either positional (Name == "") or named
// (e.g. `list = [...]`).
type Arg struct {
	Name  string
	Value Expr
}

// Call is a function application. Head carries the call's head symbol
// verbatim, including any namespace separator (`pkg::fn` or `pkg:::fn`),
// so the analyzer can pattern-match on it without needing a resolved
// symbol table at analysis time.
type Call struct {
	Head string
	Args []Arg
}

func (*Call) isExpr() {}

// Function is a user-defined function: formal parameters plus a body
// expression. WrappedSlot, if set, names a Closure entry that holds an
// inner Function this one merely forwards to (the "vectorized wrapper"
// pattern in spec.md §4.A) — the analyzer unwraps to WrappedSlot instead
// of analyzing Body when it is present.
type Function struct {
	Params      []string
	Body        Expr
	Closure     map[string]Value
	WrappedSlot string
}

func (*Function) isExpr() {}

// Value is anything a target or import can produce: a Function, a plain
// Go value (already evaluated), or a FileRef pointing at a file on disk.
type Value interface{}

// FileRef identifies an imported file by path.
type FileRef struct {
	Path string
}

// Marker head symbols recognized by the analyzer (spec.md §4.A). Exported
// so callers constructing Call nodes for a custom front-end use the same
// strings the analyzer matches on.
const (
	HeadLoad   = "load"
	HeadRead   = "read"
	HeadFileIn = "file_in"
	HeadFileOut = "file_out"
	HeadSubdocIn = "subdoc_in"
	HeadIgnore = "ignore"
)

// ArgList is the well-known name of the sibling `list = <names>` argument
// accepted by load()/read() and file_in()/file_out().
const ArgList = "list"

// ArithmeticHeads are operator call heads (a Call's usual shape for
// infix arithmetic) that never denote a callee reference, unlike an
// ordinary function call's Head.
var ArithmeticHeads = map[string]bool{"+": true, "-": true, "*": true, "/": true}

// IsNamespaced reports whether head uses the `pkg::fn` or `pkg:::fn`
// qualified-call syntax, returning the two parts when it does.
func IsNamespaced(head string) (pkg, fn string, ok bool) {
	if i := indexOf(head, ":::"); i >= 0 {
		return head[:i], head[i+3:], true
	}
	if i := indexOf(head, "::"); i >= 0 {
		return head[:i], head[i+2:], true
	}
	return "", "", false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// Parser turns source text for a single command into a syntax tree. It is
// an external collaborator: this module never parses text itself.
type Parser interface {
	Parse(src string) (Expr, error)
}

// Deparser renders an Expr back to canonical source text: single-quoted
// string literals become double-quoted, whitespace is canonicalized, and
// trailing semicolons/trivia are stripped. Used to produce the text that
// the content hasher hashes for a target's command_hash (spec.md §4.D).
type Deparser interface {
	Deparse(e Expr) (string, error)
}

// Scope maps identifiers to already-evaluated values, prepared by the
// scheduler before dispatch.
type Scope map[string]Value

// Evaluator runs a command expression in a prepared scope and returns its
// value. seed is the deterministic per-target seed (spec.md §4.F).
type Evaluator interface {
	Eval(e Expr, scope Scope, seed int64) (Value, error)
}
