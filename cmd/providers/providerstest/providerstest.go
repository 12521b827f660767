// Package providerstest checks fx graphs of sub-commands without starting them.
package providerstest

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"go.od2.network/nqueue/cmd/providers"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

// Validate checks that the shared providers and opts form a complete dependency graph.
// Constructors and invoke functions are not called.
func Validate(t *testing.T, opts ...fx.Option) {
	opts = append(opts,
		fx.Supply(
			zaptest.NewLogger(t),
			context.Background(),
			metric.Meter{},
			&cobra.Command{Use: t.Name()},
		),
		fx.Logger(fxLogger{t}),
		fx.Provide(providers.Providers...))
	assert.NoError(t, fx.ValidateApp(opts...))
}

// fxLogger routes fx events to the test log.
type fxLogger struct {
	testing.TB
}

func (l fxLogger) Printf(format string, args ...interface{}) {
	l.Logf(format, args...)
}
