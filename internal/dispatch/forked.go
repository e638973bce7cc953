package dispatch

import (
	"context"
	"runtime"
	"time"

	workflow "github.com/distr1/workflow"
)

// ForkedPool is the "local pool (forked)" backend (spec.md §4.G.1):
// lightweight workers sharing the parent's memory. The Go runtime cannot
// safely fork() while other goroutines are running, so workers here are
// goroutines rather than real forked processes — they already share the
// parent's memory without copy-on-write — but the POSIX-only constraint
// from spec.md is honored: MaxParallel reports 1 on non-POSIX platforms
// (runtime.GOOS == "windows"), matching "the scheduler caps max_parallel
// to 1 on platforms without fork."
type ForkedPool struct {
	Workers int
}

func (p *ForkedPool) MaxParallel() int {
	if runtime.GOOS == "windows" {
		return 1
	}
	if p.Workers <= 0 {
		return 1
	}
	return p.Workers
}

func (p *ForkedPool) CachingSiteDefault() workflow.CachingSite { return workflow.CachingWorker }

func (p *ForkedPool) Dispatch(ctx context.Context, item WorkItem) (Outcome, error) {
	start := time.Now()
	result := make(chan Outcome, 1)
	go func() {
		v, err := item.Evaluator.Eval(item.Command, item.Scope, item.Seed)
		if err != nil {
			result <- Outcome{Status: StatusError, Err: err}
			return
		}
		result <- Outcome{Status: StatusOK, Value: v}
	}()
	select {
	case out := <-result:
		out.ElapsedMs = time.Since(start).Milliseconds()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
