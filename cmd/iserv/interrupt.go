package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// interruptContext derives a context that ends on SIGINT or SIGTERM.
// Transfers check it between chunks and syncs between entries. Once the
// first signal arrives the default handlers are restored, so pressing
// Ctrl-C again kills a transfer stuck in a read.
func interruptContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		if parent.Err() == nil {
			logger.Info("interrupted, stopping after the current step; interrupt again to abort")
		}
	}()

	return ctx
}
