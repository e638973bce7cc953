package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	workflow "github.com/distr1/workflow"
	"golang.org/x/xerrors"
)

// ExternalJob is the "external job" backend (spec.md §4.G.3): renders a
// job script per target from Template, invokes Submit (e.g. a cluster
// submission command), and waits for the job to finish by polling for
// the creation of a sentinel file. Grounded on
// distr1/distri/internal/build.go's use of text/template for
// build-step scripts and on distr1/distri/internal/batch.scheduler,
// which shells out to `distri build` per package and watches its exit
// status; ExternalJob generalizes that to an arbitrary submit command
// plus a file-based completion signal, matching spec.md's "The scheduler
// waits on an opaque job handle (e.g., a sentinel file's creation)."
//
// This backend never evaluates the command itself: WorkItem.Evaluator is
// unused here because the job script, not this process, runs the
// command. Script authors are expected to write the sentinel file as
// their job's last step. The returned Outcome carries no Value: nothing
// the job produces is read back.
type ExternalJob struct {
	// Template renders the job script body. It is executed with a
	// jobScriptData value.
	Template *template.Template
	// ScriptDir is where rendered job scripts are written.
	ScriptDir string
	// SentinelDir is where the scheduler expects <name>.done to appear
	// once the job has finished.
	SentinelDir string
	// Submit invokes the external system (e.g. `qsub script.sh`) and
	// returns once submission (not completion) succeeds. Per spec.md
	// §5 "Backends that submit to external systems must block their
	// dispatch call if the external system refuses submission", a
	// Submit implementation that itself blocks until accepted by the
	// remote system satisfies that requirement.
	Submit func(ctx context.Context, scriptPath string) error
	// PollInterval controls how often the sentinel directory is
	// checked. Defaults to 500ms.
	PollInterval time.Duration
	// Parallel bounds how many jobs may be outstanding at once.
	Parallel int
}

type jobScriptData struct {
	Name       string
	CachePath  string
	Sentinel   string
}

func (e *ExternalJob) MaxParallel() int {
	if e.Parallel <= 0 {
		return 1
	}
	return e.Parallel
}

func (e *ExternalJob) CachingSiteDefault() workflow.CachingSite { return workflow.CachingMaster }

func (e *ExternalJob) Dispatch(ctx context.Context, item WorkItem) (Outcome, error) {
	start := time.Now()
	if err := os.MkdirAll(e.ScriptDir, 0o755); err != nil {
		return Outcome{}, xerrors.Errorf("dispatch: %w: %v", workflow.ErrBackend, err)
	}
	if err := os.MkdirAll(e.SentinelDir, 0o755); err != nil {
		return Outcome{}, xerrors.Errorf("dispatch: %w: %v", workflow.ErrBackend, err)
	}
	sentinel := filepath.Join(e.SentinelDir, item.Name+".done")
	os.Remove(sentinel) // stale sentinel from a previous, unrelated run

	scriptPath := filepath.Join(e.ScriptDir, item.Name+".job")
	f, err := os.Create(scriptPath)
	if err != nil {
		return Outcome{}, xerrors.Errorf("dispatch: %w: %v", workflow.ErrBackend, err)
	}
	data := jobScriptData{Name: item.Name, CachePath: e.SentinelDir, Sentinel: sentinel}
	err = e.Template.Execute(f, data)
	f.Close()
	if err != nil {
		return Outcome{}, xerrors.Errorf("dispatch: %w: %v", workflow.ErrBackend, err)
	}

	if err := e.Submit(ctx, scriptPath); err != nil {
		return Outcome{}, xerrors.Errorf("dispatch: %w: %v", workflow.ErrBackend, err)
	}

	interval := e.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(sentinel); err == nil {
				return Outcome{
					Status:    StatusOK,
					ElapsedMs: time.Since(start).Milliseconds(),
				}, nil
			}
		}
	}
}

// DefaultJobTemplate is a minimal template suitable for a local test
// harness: it simply touches the sentinel file. Real deployments render
// their own cluster-specific script.
var DefaultJobTemplate = template.Must(template.New("job").Parse(
	`#!/bin/sh
# job for target {{.Name}}
touch {{.Sentinel}}
`))

// ShellSubmit is a Submit implementation that runs scriptPath with sh.
func ShellSubmit(ctx context.Context, scriptPath string) error {
	cmd := exec.CommandContext(ctx, "sh", scriptPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sh %s: %w", scriptPath, err)
	}
	return nil
}
