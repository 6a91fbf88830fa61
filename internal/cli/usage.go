package cli

import (
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-runtime-go/tools"
	"github.com/PipeOpsHQ/agent-runtime-go/workflow"
)

func printUsage() {
	fmt.Println("Agent Runtime CLI")
	fmt.Println("Usage:")
	fmt.Println("  agentrun run [--workflow=echo] [--tools=*] [--session=ID] [--run-id=ID] -- \"your input\"")
	fmt.Println("  agentrun resume <run-id> [--resolve=hook-id=<json>]... [--cancel=hook-id]")
	fmt.Println("  agentrun runs [session-id] [--limit=50]")
	fmt.Println("  agentrun checkpoints <run-id> [--limit=N]")
	fmt.Println("  agentrun workflows [--workflow-file=path.yaml]")
	fmt.Println("  agentrun serve [--addr=127.0.0.1:7070]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config=PATH                 YAML or JSON config file (or AGENT_CONFIG)")
	fmt.Println("  --workflow=NAME               Workflow to run")
	fmt.Println("  --workflow-file=PATH          Register a workflow declared in YAML or JSON")
	fmt.Println("  --tools=a,b                   Tool selection, * for all")
	fmt.Println("  --system-prompt=TEXT          System prompt for model steps")
	fmt.Println("  --hook-mode=MODE              blocking or non-blocking")
	fmt.Println("  --resolve=hook-id=JSON        Resolution for a pending hook (repeatable)")
	fmt.Println("  --cancel=hook-id              Cancel a pending hook on resume")
	fmt.Println("  --json                        Print message snapshots as JSON lines")
	fmt.Println()
	fmt.Printf("  available workflows: %s\n", strings.Join(workflow.Builtins().Names(), ", "))
	fmt.Printf("  available tools: %s\n", strings.Join(tools.Builtins().Names(), ", "))
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  AGENT_PROVIDER                gemini, openai, ollama, anthropic or azureopenai")
	fmt.Println("  <PROVIDER>_API_KEY            GEMINI_, OPENAI_, ANTHROPIC_ or AZURE_OPENAI_")
	fmt.Println("  <PROVIDER>_MODEL              Model name for the provider")
	fmt.Println("  AZURE_OPENAI_ENDPOINT / AZURE_OPENAI_DEPLOYMENT")
	fmt.Println("  AGENT_STATE_BACKEND           memory, sqlite, redis, mongo or hybrid")
	fmt.Println("  AGENT_HOOK_MODE               blocking or non-blocking")
	fmt.Println("  AGENT_ADDR                    serve listen address")
	fmt.Println("  AGENT_API_KEYS                Comma-separated API keys for serve")
	fmt.Println("  AGENT_TRACE_DB                sqlite file for recorded events (empty disables)")
	fmt.Println("  AGENT_TRACE_RETENTION         Drop recorded events older than this at startup")
	fmt.Println("  AGENT_OTLP_ENDPOINT           Export spans over OTLP/gRPC")
	fmt.Println("  AGENT_LOG_LEVEL               debug, info, warn or error")
}
