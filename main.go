// Package main provides the entry point for the nbc-viewer command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"nbc-viewer/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, os.Args[1:]); err != nil {
		stop()
		os.Exit(1)
	}
}
