package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
)

func parseArgs(args []string) (cliOptions, []string, error) {
	opts := cliOptions{}
	positional := make([]string, 0, len(args))
	for i, arg := range args {
		switch {
		case arg == "--":
			positional = append(positional, args[i+1:]...)
			return opts, positional, nil
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--workflow="):
			opts.workflow = strings.TrimSpace(strings.TrimPrefix(arg, "--workflow="))
		case strings.HasPrefix(arg, "--workflow-file="):
			opts.workflowFile = strings.TrimSpace(strings.TrimPrefix(arg, "--workflow-file="))
		case strings.HasPrefix(arg, "--tools="):
			opts.tools = splitCSV(strings.TrimPrefix(arg, "--tools="))
		case strings.HasPrefix(arg, "--system-prompt="):
			opts.systemPrompt = strings.TrimSpace(strings.TrimPrefix(arg, "--system-prompt="))
		case strings.HasPrefix(arg, "--session="):
			opts.sessionID = strings.TrimSpace(strings.TrimPrefix(arg, "--session="))
		case strings.HasPrefix(arg, "--run-id="):
			opts.runID = strings.TrimSpace(strings.TrimPrefix(arg, "--run-id="))
		case strings.HasPrefix(arg, "--hook-mode="):
			opts.hookMode = strings.TrimSpace(strings.TrimPrefix(arg, "--hook-mode="))
		case strings.HasPrefix(arg, "--addr="):
			opts.addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case strings.HasPrefix(arg, "--limit="):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(arg, "--limit=")))
			if err != nil || n < 0 {
				return opts, nil, fmt.Errorf("invalid --limit %q", arg)
			}
			opts.limit = n
		case arg == "--json":
			opts.jsonOutput = true
		case strings.HasPrefix(arg, "--resolve="):
			id, value, err := parseResolution(strings.TrimPrefix(arg, "--resolve="))
			if err != nil {
				return opts, nil, err
			}
			if opts.resolutions == nil {
				opts.resolutions = map[string]json.RawMessage{}
			}
			opts.resolutions[id] = value
		case strings.HasPrefix(arg, "--cancel="):
			opts.cancels = append(opts.cancels, splitCSV(strings.TrimPrefix(arg, "--cancel="))...)
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional, nil
}

// parseResolution splits "hook-id=<json>". A value that is not valid JSON is
// taken as a JSON string.
func parseResolution(raw string) (string, json.RawMessage, error) {
	id, value, ok := strings.Cut(raw, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", nil, fmt.Errorf("invalid --resolve %q, want hook-id=<json>", raw)
	}
	value = strings.TrimSpace(value)
	if json.Valid([]byte(value)) {
		return id, json.RawMessage(value), nil
	}
	quoted, err := json.Marshal(value)
	if err != nil {
		return "", nil, err
	}
	return id, quoted, nil
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func closeStore(store state.Store, logger *zap.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("state store close failed", zap.Error(err))
	}
}
