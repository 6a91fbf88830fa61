package main

import (
	"context"
	"os"

	"github.com/PipeOpsHQ/agent-runtime-go/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Args[1:]))
}
