package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/runtime/cron"
	"github.com/PipeOpsHQ/agent-runtime-go/transport/httpapi"
)

func serve(ctx context.Context, args []string) error {
	opts, _, err := parseArgs(args)
	if err != nil {
		return err
	}
	d, err := loadDeps(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()

	cfg := httpapi.Config{
		Addr:                   d.cfg.Server.Addr,
		Store:                  d.store,
		Workflows:              d.workflows,
		DefaultWorkflow:        d.cfg.Workflow,
		Model:                  d.model,
		SystemPrompt:           d.cfg.SystemPrompt,
		Tools:                  d.catalog,
		HookMode:               d.mode,
		IncrementalCheckpoints: d.cfg.IncrementalCheckpoints,
		Observer:               d.observer,
		Logger:                 d.logger,
		APIKeys:                d.cfg.Server.APIKeys,
		AllowLocalNoAuth:       d.cfg.Server.AllowLocalNoAuth,
	}
	if d.traces != nil {
		cfg.TraceStore = d.traces
	}
	if d.registry != nil {
		cfg.Gatherer = d.registry
	}
	var server *httpapi.Server
	if len(d.cfg.Schedules) > 0 {
		sched, err := newScheduler(d, func(req httpapi.StartRequest) (string, error) {
			view, err := server.StartRun(req)
			return view.RunID, err
		})
		if err != nil {
			return err
		}
		cfg.Schedules = sched
	}
	server = httpapi.NewServer(cfg)
	if cfg.Schedules != nil {
		cfg.Schedules.Start(ctx)
		defer cfg.Schedules.Stop()
	}
	d.logger.Info("agent runtime api configured",
		zap.String("addr", cfg.Addr),
		zap.Strings("workflows", d.workflows.Names()),
		zap.String("hook_mode", d.mode.String()),
		zap.Bool("model", d.model != nil),
	)
	if len(cfg.APIKeys) == 0 {
		d.logger.Warn("no API keys configured; the API is open to any client that can reach it", zap.String("addr", cfg.Addr))
	}
	if err := server.ListenAndServe(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		_ = server.Close()
		return err
	}
	return nil
}

// newScheduler registers the configured schedules. Each trigger starts a
// run through start.
func newScheduler(d *deps, start func(httpapi.StartRequest) (string, error)) (*cron.Scheduler, error) {
	sched := cron.New(func(_ context.Context, job string, cfg cron.JobConfig) (string, error) {
		return start(httpapi.StartRequest{
			Workflow:  cfg.Workflow,
			Input:     cfg.Input,
			SessionID: cfg.SessionID,
			Metadata:  map[string]any{"schedule": job},
		})
	}, cron.WithLogger(d.logger))
	for _, sc := range d.cfg.Schedules {
		if _, ok := d.workflows.Get(sc.Workflow); !ok {
			return nil, fmt.Errorf("schedule %q: unknown workflow %q", sc.Name, sc.Workflow)
		}
		err := sched.Add(sc.Name, sc.Cron, cron.JobConfig{Workflow: sc.Workflow, Input: sc.Input, SessionID: sc.SessionID})
		if err != nil {
			return nil, err
		}
		if sc.Disabled {
			_ = sched.SetEnabled(sc.Name, false)
		}
	}
	return sched, nil
}
