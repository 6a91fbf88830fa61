// Package runtimeconfig loads the agentrun configuration file: provider,
// state backend, server, logging and workflow defaults.
package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/internal/config"
	providerfactory "github.com/PipeOpsHQ/agent-runtime-go/providers/factory"
	statefactory "github.com/PipeOpsHQ/agent-runtime-go/state/factory"
)

type Config struct {
	Workflow     string   `yaml:"workflow"`
	WorkflowFile string   `yaml:"workflowFile"`
	SystemPrompt string   `yaml:"systemPrompt"`
	Tools        []string `yaml:"tools"`
	// HookMode is "blocking" or "non-blocking".
	HookMode               string        `yaml:"hookMode"`
	IncrementalCheckpoints bool          `yaml:"incrementalCheckpoints"`
	ToolTimeout            time.Duration `yaml:"toolTimeout"`

	Provider providerfactory.Config `yaml:"provider"`
	State    statefactory.Config    `yaml:"state"`
	Server   ServerConfig           `yaml:"server"`
	Log      LogConfig              `yaml:"log"`
	Tracing  TracingConfig          `yaml:"tracing"`

	Schedules []ScheduleConfig `yaml:"schedules"`
}

// ScheduleConfig starts Workflow with Input on the Cron expression while
// the server runs.
type ScheduleConfig struct {
	Name      string `yaml:"name"`
	Cron      string `yaml:"cron"`
	Workflow  string `yaml:"workflow"`
	Input     string `yaml:"input"`
	SessionID string `yaml:"sessionId"`
	Disabled  bool   `yaml:"disabled"`
}

type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	APIKeys          []string `yaml:"apiKeys"`
	AllowLocalNoAuth bool     `yaml:"allowLocalNoAuth"`
	// TraceDB is the sqlite file for recorded runtime events; empty disables
	// the trace store.
	TraceDB string `yaml:"traceDB"`
	// TraceRetention drops recorded events older than this at startup.
	TraceRetention time.Duration `yaml:"traceRetention"`
	Metrics        bool          `yaml:"metrics"`
}

// TracingConfig enables span export over OTLP/gRPC when Endpoint is set.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Workflow: "echo",
		Tools:    []string{"*"},
		HookMode: hooks.NonBlocking.String(),
		Provider: providerfactory.DefaultConfig(),
		State:    statefactory.DefaultConfig(),
		Server: ServerConfig{
			Addr:             "127.0.0.1:7070",
			AllowLocalNoAuth: true,
			TraceDB:          "./.agentrt/traces.db",
			Metrics:          true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML or JSON file over Default. ${VAR} references in the file
// are expanded from the environment before decoding.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// FromEnv overlays the AGENT_* variables on base, including the provider
// and state sections.
func FromEnv(base Config) (Config, error) {
	base.Workflow = config.Getenv("AGENT_WORKFLOW", base.Workflow)
	base.WorkflowFile = config.Getenv("AGENT_WORKFLOW_FILE", base.WorkflowFile)
	base.SystemPrompt = config.Getenv("AGENT_SYSTEM_PROMPT", base.SystemPrompt)
	base.Tools = config.ParseListEnv("AGENT_TOOLS", base.Tools)
	base.HookMode = config.Getenv("AGENT_HOOK_MODE", base.HookMode)
	base.IncrementalCheckpoints = config.ParseBoolEnv("AGENT_INCREMENTAL_CHECKPOINTS", base.IncrementalCheckpoints)
	base.ToolTimeout = config.ParseDurationEnv("AGENT_TOOL_TIMEOUT", base.ToolTimeout)
	base.Server.Addr = config.Getenv("AGENT_ADDR", base.Server.Addr)
	base.Server.APIKeys = config.ParseListEnv("AGENT_API_KEYS", base.Server.APIKeys)
	base.Server.TraceDB = config.Getenv("AGENT_TRACE_DB", base.Server.TraceDB)
	base.Server.TraceRetention = config.ParseDurationEnv("AGENT_TRACE_RETENTION", base.Server.TraceRetention)
	base.Log.Level = config.Getenv("AGENT_LOG_LEVEL", base.Log.Level)
	base.Log.Development = config.ParseBoolEnv("AGENT_LOG_DEVELOPMENT", base.Log.Development)
	base.Tracing.Endpoint = config.Getenv("AGENT_OTLP_ENDPOINT", base.Tracing.Endpoint)
	base.Tracing.Insecure = config.ParseBoolEnv("AGENT_OTLP_INSECURE", base.Tracing.Insecure)
	base.Provider = providerfactory.ConfigFromEnv(base.Provider)
	base.State = statefactory.ConfigFromEnv(base.State)
	return base, base.normalize()
}

// Mode parses HookMode.
func (c Config) Mode() (hooks.Mode, error) {
	return hooks.ParseMode(c.HookMode)
}

func (c *Config) normalize() error {
	c.Workflow = strings.TrimSpace(c.Workflow)
	c.WorkflowFile = strings.TrimSpace(c.WorkflowFile)
	c.SystemPrompt = strings.TrimSpace(c.SystemPrompt)
	c.Tools = cleanList(c.Tools)
	c.Server.APIKeys = cleanList(c.Server.APIKeys)
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.ToolTimeout < 0 {
		return fmt.Errorf("toolTimeout must not be negative")
	}
	for i, sc := range c.Schedules {
		if strings.TrimSpace(sc.Name) == "" || strings.TrimSpace(sc.Cron) == "" {
			return fmt.Errorf("schedule %d: name and cron are required", i+1)
		}
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
