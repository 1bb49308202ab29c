package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Signal handling for graceful shutdown: in-flight records finish
	// their terminal writes before the process exits.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
