package dispatch

import (
	"context"

	workflow "github.com/distr1/workflow"
)

// Pluggable is the "user-provided" backend (spec.md §4.G.4): an opaque
// callable plus a completion notification, enabling distribution over
// arbitrary transports (gRPC, a message queue, a remote CI runner, ...).
// Run is expected to block until the work item has actually completed;
// Pluggable itself adds no additional synchronization.
type Pluggable struct {
	Run func(ctx context.Context, item WorkItem) (Outcome, error)
	// Parallel bounds concurrent in-flight Run calls.
	Parallel int
	// Caching overrides CachingSiteDefault; zero value is
	// workflow.CachingWorker.
	Caching workflow.CachingSite
}

func (p *Pluggable) MaxParallel() int {
	if p.Parallel <= 0 {
		return 1
	}
	return p.Parallel
}

func (p *Pluggable) CachingSiteDefault() workflow.CachingSite { return p.Caching }

func (p *Pluggable) Dispatch(ctx context.Context, item WorkItem) (Outcome, error) {
	return p.Run(ctx, item)
}
