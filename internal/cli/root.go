// Package cli implements the agentrun command: run and resume workflows,
// inspect persisted runs and checkpoints, and serve the HTTP API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"run":         runWorkflow,
	"resume":      resumeRun,
	"runs":        listRuns,
	"checkpoints": listCheckpoints,
	"workflows":   listWorkflows,
	"serve":       serve,
}

// Run dispatches args and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		printUsage()
		return 2
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := strings.TrimSpace(args[0])
	switch name {
	case "help", "-h", "--help":
		printUsage()
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		name, cmd, args = "run", runWorkflow, append([]string{"run"}, args...)
	}
	if err := cmd(ctx, args[1:]); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "agentrun %s: %v\n", name, err)
		}
		return 1
	}
	return 0
}
