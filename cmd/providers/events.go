package providers

import (
	"context"
	"errors"

	"github.com/spf13/viper"
	"go.od2.network/nqueue/pkg/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Event forwarding config keys.
const (
	ConfEventsEnabled       = "events.enabled"
	ConfEventsBacklog       = "events.backlog"
	ConfEventsBatchSize     = "events.batch_size"
	ConfEventsFlushInterval = "events.flush_interval"
	ConfEventsMaxRetries    = "events.max_retries"
)

func init() {
	viper.SetDefault(ConfEventsEnabled, false)
	viper.SetDefault(ConfEventsBacklog, events.DefaultOptions.Backlog)
	viper.SetDefault(ConfEventsBatchSize, events.DefaultOptions.BatchSize)
	viper.SetDefault(ConfEventsFlushInterval, events.DefaultOptions.FlushInterval)
	viper.SetDefault(ConfEventsMaxRetries, events.DefaultOptions.MaxRetries)
}

// NewEventForwarder returns nil if event forwarding is disabled.
func NewEventForwarder(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*events.Forwarder, error) {
	if !viper.GetBool(ConfEventsEnabled) {
		return nil, nil
	}
	saramaConfig, err := NewSaramaConfig(log)
	if err != nil {
		return nil, err
	}
	client, err := NewSaramaClient(lc, log, saramaConfig)
	if err != nil {
		return nil, err
	}
	producer, err := NewSaramaSyncProducer(log, client, lc)
	if err != nil {
		return nil, err
	}
	opts := events.DefaultOptions
	opts.Backlog = viper.GetInt(ConfEventsBacklog)
	opts.BatchSize = viper.GetInt(ConfEventsBatchSize)
	opts.FlushInterval = viper.GetDuration(ConfEventsFlushInterval)
	opts.MaxRetries = viper.GetUint64(ConfEventsMaxRetries)
	forwarder := events.NewForwarder(producer, opts, log.Named("events"))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				if err := forwarder.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("Event forwarder failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// Remaining events are flushed before the producer closes.
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
	return forwarder, nil
}
