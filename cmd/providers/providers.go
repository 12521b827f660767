package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.od2.network/nqueue/pkg/appctx"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// events.go
	NewEventForwarder,
	// metrics.go
	NewPrometheusHandler,
	NewQueueMetrics,
	// notify.go
	NewNotifySender,
	// providers.go
	NewContext,
	// queue.go
	NewQueueCollection,
	// signer.go
	NewSigner,
	// store.go
	NewStoreFactory,
	// topology.go
	NewTopologyConfig,
}

func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd runs a one-shot command.
// The invoke function runs once the dependency graph is built,
// then the app is stopped to release resources.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(args),
			fx.Supply(Log),
			fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Invoke(invoke),
		)
		if err := app.Err(); err != nil {
			Log.Fatal("Command failed", zap.Error(err))
		}
		ctx := appctx.Context()
		if err := app.Start(ctx); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		if err := app.Stop(context.Background()); err != nil {
			Log.Error("Failed to stop", zap.Error(err))
		}
	}
}

func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
