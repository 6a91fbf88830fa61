package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/internal/config"
	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	observeotel "github.com/PipeOpsHQ/agent-runtime-go/observe/otel"
	"github.com/PipeOpsHQ/agent-runtime-go/observe/prom"
	observesqlite "github.com/PipeOpsHQ/agent-runtime-go/observe/store/sqlite"
	providerfactory "github.com/PipeOpsHQ/agent-runtime-go/providers/factory"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/runtimeconfig"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	statefactory "github.com/PipeOpsHQ/agent-runtime-go/state/factory"
	"github.com/PipeOpsHQ/agent-runtime-go/tools"
	"github.com/PipeOpsHQ/agent-runtime-go/workflow"
)

// deps is everything a command needs, built from the config file, the
// environment and the command line, in that order of precedence.
type deps struct {
	cfg       runtimeconfig.Config
	mode      hooks.Mode
	logger    *zap.Logger
	store     state.Store
	model     llm.LanguageModel
	catalog   *tools.Catalog
	workflows *workflow.Registry
	traces    *observesqlite.Store
	observer  observe.Sink
	registry  *prometheus.Registry
	closers   []func()
}

func loadConfig(opts cliOptions) (runtimeconfig.Config, error) {
	if _, err := config.LoadDotEnv(); err != nil {
		return runtimeconfig.Config{}, err
	}
	base := runtimeconfig.Default()
	path := opts.configPath
	if path == "" {
		path = config.Getenv("AGENT_CONFIG", "")
	}
	if path != "" {
		loaded, err := runtimeconfig.Load(path)
		if err != nil {
			return runtimeconfig.Config{}, err
		}
		base = loaded
	}
	cfg, err := runtimeconfig.FromEnv(base)
	if err != nil {
		return runtimeconfig.Config{}, err
	}
	if opts.workflow != "" {
		cfg.Workflow = opts.workflow
	}
	if opts.workflowFile != "" {
		cfg.WorkflowFile = opts.workflowFile
	}
	if len(opts.tools) > 0 {
		cfg.Tools = opts.tools
	}
	if opts.systemPrompt != "" {
		cfg.SystemPrompt = opts.systemPrompt
	}
	if opts.hookMode != "" {
		cfg.HookMode = opts.hookMode
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if _, err := cfg.Mode(); err != nil {
		return runtimeconfig.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg runtimeconfig.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// loadStoreDeps builds the config, logger and state store only.
func loadStoreDeps(ctx context.Context, opts cliOptions) (*deps, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, logger: logger}
	d.closers = append(d.closers, func() { _ = logger.Sync() })
	d.mode, _ = cfg.Mode()

	d.store, err = statefactory.FromConfig(ctx, cfg.State, logger)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("state store: %w", err)
	}
	store := d.store
	d.closers = append(d.closers, func() { closeStore(store, logger) })
	return d, nil
}

// loadDeps builds the command dependencies. A missing or misconfigured model
// provider is not fatal: workflows that need a model fail when built.
func loadDeps(ctx context.Context, opts cliOptions) (*deps, error) {
	d, err := loadStoreDeps(ctx, opts)
	if err != nil {
		return nil, err
	}
	cfg, logger := d.cfg, d.logger

	if model, err := providerfactory.FromConfig(ctx, cfg.Provider); err != nil {
		logger.Warn("model provider unavailable", zap.String("provider", cfg.Provider.Provider), zap.Error(err))
	} else {
		d.model = model
	}

	d.catalog, err = tools.Builtins().Subset(cfg.Tools)
	if err != nil {
		d.close()
		return nil, err
	}

	d.workflows = workflow.Builtins()
	if cfg.WorkflowFile != "" {
		fb, err := workflow.NewFileBuilderFromPath(cfg.WorkflowFile)
		if err != nil {
			d.close()
			return nil, err
		}
		if err := d.workflows.Register(fb); err != nil {
			d.close()
			return nil, err
		}
		if opts.workflow == "" {
			d.cfg.Workflow = fb.Name()
		}
	}

	if err := d.buildObserver(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *deps) buildObserver(ctx context.Context) error {
	var sinks []observe.Sink
	if d.cfg.Server.TraceDB != "" {
		traces, err := observesqlite.New(d.cfg.Server.TraceDB)
		if err != nil {
			return err
		}
		if retention := d.cfg.Server.TraceRetention; retention > 0 {
			removed, err := traces.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				d.logger.Warn("trace prune failed", zap.Error(err))
			} else if removed > 0 {
				d.logger.Info("pruned trace events", zap.Int64("count", removed), zap.Duration("retention", retention))
			}
		}
		async := observe.NewAsyncSink(traces.Sink(), 512, observe.WithErrorHandler(func(event observe.Event, err error) {
			d.logger.Debug("trace event not recorded", zap.String("run_id", event.RunID), zap.Error(err))
		}))
		d.traces = traces
		sinks = append(sinks, async)
		d.closers = append(d.closers, func() {
			async.Close()
			if dropped := async.Dropped(); dropped > 0 {
				d.logger.Warn("trace events dropped", zap.Int64("count", dropped))
			}
			_ = traces.Close()
		})
	}
	if d.cfg.Server.Metrics {
		d.registry = prometheus.NewRegistry()
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sinks = append(sinks, prom.NewSink(prom.WithRegisterer(d.registry), prom.WithLogger(d.logger)))
	}
	if d.cfg.Tracing.Endpoint != "" {
		tp, err := newTracerProvider(ctx, d.cfg.Tracing)
		if err != nil {
			return err
		}
		spans := observeotel.NewSink(tp)
		sinks = append(sinks, spans)
		d.closers = append(d.closers, func() {
			_ = spans.Close()
			if err := tp.Shutdown(context.Background()); err != nil {
				d.logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		})
	}
	d.observer = observe.NewMultiSink(sinks...)
	return nil
}

// newTracerProvider exports spans over OTLP/gRPC and installs the provider
// globally so the HTTP middleware shares it.
func newTracerProvider(ctx context.Context, cfg runtimeconfig.TracingConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "agentrun"))),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func (d *deps) runOptions() []runtime.Option {
	return []runtime.Option{
		runtime.WithLogger(d.logger),
		runtime.WithHookMode(d.mode),
		runtime.WithTools(d.catalog),
		runtime.WithObserver(d.observer),
		runtime.WithIncrementalCheckpoints(d.cfg.IncrementalCheckpoints),
		runtime.WithToolTimeout(d.cfg.ToolTimeout),
	}
}

func (d *deps) build(name, input string) (runtime.Workflow, error) {
	return d.workflows.Build(name, workflow.Deps{
		Model:        d.model,
		Input:        input,
		SystemPrompt: d.cfg.SystemPrompt,
	})
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
