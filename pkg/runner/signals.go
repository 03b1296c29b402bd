package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NotifyShutdown returns a context cancelled on SIGINT or SIGTERM.
func NotifyShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
