package serve

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/nqueue/cmd/providers"
	"go.od2.network/nqueue/pkg/admin"
	"go.od2.network/nqueue/pkg/queue"
	"go.od2.network/nqueue/pkg/sweep"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the serve sub-command.
var Cmd = cobra.Command{
	Use:   "serve",
	Short: "Run the queue server",
	Long: "Mounts all queues of the topology, runs their maintenance sweeps,\n" +
		"and serves metrics and the admin API over HTTP.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd, fx.Invoke(Run))
		app.Run()
	},
}

// Serve config keys.
const (
	ConfListenNet  = "admin.listen_net"
	ConfListenAddr = "admin.listen_addr"

	ConfSweepTimeoutInterval = "sweep.timeout_interval"
	ConfSweepPurgeInterval   = "sweep.purge_interval"
	ConfSweepClientsInterval = "sweep.clients_interval"
	ConfSweepNotifyInterval  = "sweep.notify_interval"
	ConfSweepWaitInterval    = "sweep.wait_interval"
)

func init() {
	viper.SetDefault(ConfListenNet, "tcp")
	viper.SetDefault(ConfListenAddr, "localhost:9100")

	viper.SetDefault(ConfSweepTimeoutInterval, sweep.DefaultOptions.TimeoutInterval)
	viper.SetDefault(ConfSweepPurgeInterval, sweep.DefaultOptions.PurgeInterval)
	viper.SetDefault(ConfSweepClientsInterval, sweep.DefaultOptions.ClientsInterval)
	viper.SetDefault(ConfSweepNotifyInterval, sweep.DefaultOptions.NotifyInterval)
	viper.SetDefault(ConfSweepWaitInterval, sweep.DefaultOptions.WaitInterval)
}

type serveIn struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdown   fx.Shutdowner
	Meter      metric.Meter
	Queues     *queue.Collection
	Prometheus providers.PrometheusHandler
}

// Run hooks the queue server into the application lifecycle.
func Run(log *zap.Logger, inputs serveIn) error {
	if err := queue.ObserveJobs(inputs.Meter, inputs.Queues); err != nil {
		return err
	}
	runSweeper(log, inputs)
	// Assemble HTTP server
	mux := http.NewServeMux()
	mux.Handle("/metrics", inputs.Prometheus)
	adminHandler := &admin.Handler{
		Queues: inputs.Queues,
		Log:    log.Named("admin"),
	}
	mux.Handle("/queues", adminHandler)
	mux.Handle("/queues/", adminHandler)
	server := &http.Server{Handler: mux}
	// Start listener
	listen := providers.MustListen(log,
		viper.GetString(ConfListenNet),
		viper.GetString(ConfListenAddr))
	providers.LifecycleServe(log, inputs.Lifecycle, listen, server)
	return nil
}

func runSweeper(log *zap.Logger, inputs serveIn) {
	sweeper := &sweep.Sweeper{
		Queues: inputs.Queues,
		Options: sweep.Options{
			TimeoutInterval: viper.GetDuration(ConfSweepTimeoutInterval),
			PurgeInterval:   viper.GetDuration(ConfSweepPurgeInterval),
			ClientsInterval: viper.GetDuration(ConfSweepClientsInterval),
			NotifyInterval:  viper.GetDuration(ConfSweepNotifyInterval),
			WaitInterval:    viper.GetDuration(ConfSweepWaitInterval),
		},
		Log: log.Named("sweep"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	inputs.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				err := sweeper.Run(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("Sweeper exited", zap.Error(err))
					_ = inputs.Shutdown.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
