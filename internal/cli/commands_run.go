package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
)

// errRunFailed marks a run that ended in the failed state; the summary has
// already been printed.
var errRunFailed = errors.New("run failed")

func runWorkflow(ctx context.Context, args []string) error {
	opts, positional, err := parseArgs(args)
	if err != nil {
		return err
	}
	input := normalizeInput(positional)
	if input == "" {
		return fmt.Errorf("input cannot be empty")
	}

	d, err := loadDeps(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()

	name := d.cfg.Workflow
	wf, err := d.build(name, input)
	if err != nil {
		return err
	}
	runOpts := append(d.runOptions(),
		runtime.WithStore(d.store),
		runtime.WithWorkflowName(name),
		runtime.WithInput(input),
		runtime.WithRunID(opts.runID),
		runtime.WithSessionID(opts.sessionID),
		runtime.WithResolutions(opts.resolutions),
	)
	run := runtime.Start(ctx, wf, runOpts...)
	return follow(ctx, run, newRenderer(os.Stdout, opts.jsonOutput))
}

func resumeRun(ctx context.Context, args []string) error {
	opts, positional, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(positional) < 1 || strings.TrimSpace(positional[0]) == "" {
		return fmt.Errorf("usage: resume <run-id> [--resolve=hook-id=<json>] [--cancel=hook-id]")
	}
	runID := strings.TrimSpace(positional[0])

	d, err := loadDeps(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()

	rec, err := d.store.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	wf, err := d.build(rec.Workflow, rec.Input)
	if err != nil {
		return err
	}
	if err := runtime.CancelPending(ctx, d.store, runID, opts.cancels...); err != nil {
		return err
	}
	runOpts := append(d.runOptions(), runtime.WithResolutions(opts.resolutions))
	run, err := runtime.Resume(ctx, d.store, runID, wf, runOpts...)
	if err != nil {
		return err
	}
	return follow(ctx, run, newRenderer(os.Stdout, opts.jsonOutput))
}

func follow(ctx context.Context, run *runtime.Run, r *renderer) error {
	for msg := range run.Messages() {
		r.message(msg)
	}
	if err := run.Wait(ctx); err != nil && !run.State().Terminal() {
		return err
	}
	r.summary(run)
	if run.State() == runtime.StateFailed {
		return errRunFailed
	}
	return nil
}

func listRuns(ctx context.Context, args []string) error {
	opts, positional, err := parseArgs(args)
	if err != nil {
		return err
	}
	sessionID := opts.sessionID
	if sessionID == "" && len(positional) > 0 {
		sessionID = strings.TrimSpace(positional[0])
	}
	limit := opts.limit
	if limit == 0 {
		limit = 50
	}

	d, err := loadStoreDeps(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()

	runs, err := d.store.ListRuns(ctx, state.ListRunsQuery{SessionID: sessionID, Limit: limit})
	if err != nil {
		return fmt.Errorf("list runs failed: %w", err)
	}
	newRenderer(os.Stdout, opts.jsonOutput).runs(runs)
	return nil
}

func listCheckpoints(ctx context.Context, args []string) error {
	opts, positional, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(positional) < 1 || strings.TrimSpace(positional[0]) == "" {
		return fmt.Errorf("usage: checkpoints <run-id> [--limit=N]")
	}

	d, err := loadStoreDeps(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()

	rows, err := d.store.ListCheckpoints(ctx, strings.TrimSpace(positional[0]), opts.limit)
	if err != nil {
		return fmt.Errorf("list checkpoints failed: %w", err)
	}
	newRenderer(os.Stdout, opts.jsonOutput).checkpoints(rows)
	return nil
}

func listWorkflows(ctx context.Context, args []string) error {
	opts, _, err := parseArgs(args)
	if err != nil {
		return err
	}
	d, err := loadDeps(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()
	newRenderer(os.Stdout, false).workflows(d.workflows.Describe())
	return nil
}
