// Package dispatch implements the pluggable dispatch backends (spec.md
// §4.G): a small common contract (Dispatch, MaxParallel,
// CachingSiteDefault) that the scheduler drives uniformly, re-architected
// per spec.md's Design Notes away from "ad-hoc conditional code paths per
// backend" and into the tagged-variant shape described there. The worker
// pools are grounded on distr1/distri/internal/batch.scheduler, which
// drives a fixed number of goroutines pulling *node values off a work
// channel and reporting back on a done channel with golang.org/x/sync/
// errgroup supervising them.
package dispatch

import (
	"context"

	workflow "github.com/distr1/workflow"
	"github.com/distr1/workflow/expr"
)

// OutcomeStatus is the result discriminant for a dispatched WorkItem
// (spec.md §4.F "Dispatch contract").
type OutcomeStatus int

const (
	StatusOK OutcomeStatus = iota
	StatusError
)

// WorkItem is one unit of work submitted to a backend (spec.md §4.F).
type WorkItem struct {
	Name      string
	Command   expr.Expr
	Scope     expr.Scope
	Seed      int64
	Caching   workflow.CachingSite
	Evaluator expr.Evaluator
}

// Outcome is a backend's completion signal for a WorkItem.
type Outcome struct {
	Status OutcomeStatus
	Value  expr.Value
	Err    error
	// ElapsedMs is populated by the backend for the scheduler's meta
	// record (spec.md §3 Meta record).
	ElapsedMs int64
	// Hash is set only by a backend that itself wrote Value to the
	// object store (CachingSite == Worker) instead of returning it
	// in-band; the scheduler skips PutObject and uses this hash
	// directly. Empty means the scheduler must serialize and store
	// Value itself.
	Hash string
}

// Backend is the common contract every dispatch strategy implements
// (spec.md §4.G).
type Backend interface {
	// Dispatch runs item to completion (or until ctx is cancelled) and
	// returns its Outcome. It may be called concurrently up to
	// MaxParallel times.
	Dispatch(ctx context.Context, item WorkItem) (Outcome, error)
	// MaxParallel is this backend's own concurrency ceiling; the
	// scheduler uses min(Config.MaxParallel, backend.MaxParallel()).
	MaxParallel() int
	// CachingSiteDefault is the caching site this backend prefers; the
	// scheduler uses it unless the run-wide Config.Caching is Master.
	CachingSiteDefault() workflow.CachingSite
}
