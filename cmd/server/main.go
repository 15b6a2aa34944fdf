package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/gridsync/internal/injector"
)

func main() {
	path := flag.String("config", "gridsync.yaml", "node config file; defaults apply when it is missing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, cleanup, err := injector.InitializeNode(ctx, injector.ConfigPath(*path))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error starting node:", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := n.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error running node:", err)
	}
}
