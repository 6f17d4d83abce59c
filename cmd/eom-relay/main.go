package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := newRootOptions()
	defer opts.close()

	if err := newRootCommand(opts).ExecuteContext(ctx); err != nil {
		opts.log.Error().Err(err).Msg("eom-relay failed")
		return 1
	}
	return 0
}
