package workflow

import "golang.org/x/xerrors"

// Sentinel errors for the taxonomy in spec.md §7. Components wrap these
// with xerrors.Errorf("...: %w", Err...) so callers can still
// errors.Is/errors.As against the sentinel after unwrapping context.
var (
	// ErrParse: command or sub-document failed to parse. Fatal at plan
	// load.
	ErrParse = xerrors.New("parse error")
	// ErrNameCollision: duplicate target/import names. Fatal at graph
	// build.
	ErrNameCollision = xerrors.New("name collision")
	// ErrCyclicPlan: the graph has a cycle of length >= 2. Fatal at
	// graph build.
	ErrCyclicPlan = xerrors.New("cyclic plan")
	// ErrMissingDependency: a command references an unknown
	// identifier. Warning by default, fatal under strict mode.
	ErrMissingDependency = xerrors.New("missing dependency")
	// ErrEval: a target's command failed at runtime. Per-target;
	// obeys keep_going.
	ErrEval = xerrors.New("evaluation error")
	// ErrCache: a cache read/write failed. Always fatal.
	ErrCache = xerrors.New("cache error")
	// ErrBackend: dispatch or worker supervision failed. Retried
	// once, then escalated to ErrEval.
	ErrBackend = xerrors.New("backend error")
	// ErrTargetTimeout: a per-target timeout elapsed. Treated as
	// ErrEval.
	ErrTargetTimeout = xerrors.New("target timeout")
	// ErrCancelled: the run was interrupted by the user.
	ErrCancelled = xerrors.New("cancelled")
)

// CycleError carries the offending cycle as a name sequence, for
// CyclicPlan reporting (spec.md §4.C).
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	s := "cycle: "
	for i, n := range e.Cycle {
		if i > 0 {
			s += " -> "
		}
		s += n
	}
	return s
}

func (e *CycleError) Unwrap() error { return ErrCyclicPlan }
