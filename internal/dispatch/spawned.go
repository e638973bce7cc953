package dispatch

import (
	"context"
	"sync"
	"time"

	workflow "github.com/distr1/workflow"
)

// SpawnedPool is the "local pool (spawned)" backend (spec.md §4.G.2):
// cross-platform, higher setup cost than ForkedPool. Grounded directly on
// distr1/distri/internal/batch.scheduler.run, whose workers range over a
// buffered work channel (the "in-process control channel" spec.md
// describes) and report completion on a separate done channel. Each
// SpawnedPool owns its own fixed-size worker pool rather than sharing
// ForkedPool's ad hoc goroutine-per-dispatch strategy, modeling the
// "isolated worker" setup cost as one long-lived goroutine per worker
// slot instead of one per WorkItem.
type SpawnedPool struct {
	Workers int

	once sync.Once
	work chan spawnedJob
}

type spawnedJob struct {
	ctx  context.Context
	item WorkItem
	resp chan Outcome
}

func (p *SpawnedPool) MaxParallel() int {
	if p.Workers <= 0 {
		return 1
	}
	return p.Workers
}

func (p *SpawnedPool) CachingSiteDefault() workflow.CachingSite { return workflow.CachingWorker }

// ensureStarted starts the pool's fixed worker goroutines exactly once,
// even under concurrent Dispatch calls from the scheduler's worker
// goroutines (runDynamic starts up to Config.MaxParallel of them).
func (p *SpawnedPool) ensureStarted() {
	p.once.Do(func() {
		p.work = make(chan spawnedJob)
		for i := 0; i < p.MaxParallel(); i++ {
			go func() {
				for job := range p.work {
					job.resp <- p.run(job.ctx, job.item)
				}
			}()
		}
	})
}

func (p *SpawnedPool) run(ctx context.Context, item WorkItem) Outcome {
	start := time.Now()
	v, err := item.Evaluator.Eval(item.Command, item.Scope, item.Seed)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Outcome{Status: StatusError, Err: err, ElapsedMs: elapsed}
	}
	return Outcome{Status: StatusOK, Value: v, ElapsedMs: elapsed}
}

func (p *SpawnedPool) Dispatch(ctx context.Context, item WorkItem) (Outcome, error) {
	p.ensureStarted()
	resp := make(chan Outcome, 1)
	select {
	case p.work <- spawnedJob{ctx: ctx, item: item, resp: resp}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case out := <-resp:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
