// Package cli implements the agentprice command: the API server, standalone
// research workers, and a small HTTP client for a running server.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Run dispatches args to a subcommand and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	var err error
	switch strings.TrimSpace(args[0]) {
	case "serve":
		err = runServe(ctx, args[1:])
	case "worker":
		err = runWorker(ctx, args[1:])
	case "submit":
		err = runSubmit(ctx, args[1:])
	case "status":
		err = runStatus(ctx, args[1:])
	case "health":
		err = runHealth(ctx, args[1:])
	case "tasks":
		err = runTasks(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
