package main

import (
	"context"
	"os"

	"github.com/howardjong/AgentPrice-sub003/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Args[1:]))
}
