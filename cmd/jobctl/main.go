// Command jobctl starts AI-assistant jobs in the background and reports on
// them. Every command prints a single JSON object.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer cancel()

	return newCLI(os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
}
