// Package appctx provides contexts that end when the process is asked to stop.
package appctx

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// WithSignals returns a context canceled on SIGINT or SIGTERM.
// Calling stop releases the signal handler.
func WithSignals(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var (
	once sync.Once
	ctx  context.Context
)

// Context returns the shared application context of CLI tools.
// It is safe to call this function multiple times, it will return the same context object.
func Context() context.Context {
	once.Do(func() {
		ctx, _ = WithSignals(context.Background())
	})
	return ctx
}
