package providers

import (
	"context"

	"github.com/spf13/viper"
	"go.od2.network/nqueue/pkg/notify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notification config keys.
const (
	ConfNotifyRedisEnabled = "notify.redis.enabled"
	ConfNotifyRedisStream  = "notify.redis.stream_key"
	ConfNotifyRedisBacklog = "notify.redis.backlog"
)

func init() {
	viper.SetDefault(ConfNotifyRedisEnabled, false)
	viper.SetDefault(ConfNotifyRedisStream, "nqueue_notify")
	viper.SetDefault(ConfNotifyRedisBacklog, 10000)
}

// NewNotifySender sends wake-up datagrams over UDP,
// and optionally mirrors them to a Redis stream.
func NewNotifySender(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (notify.Sender, error) {
	udp, err := notify.NewUDPSender()
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return udp.Close()
		},
	})
	if !viper.GetBool(ConfNotifyRedisEnabled) {
		return udp, nil
	}
	rd, err := NewRedis(ctx, log, lc)
	if err != nil {
		return nil, err
	}
	stream := &notify.RedisSender{
		Redis:     rd,
		StreamKey: viper.GetString(ConfNotifyRedisStream),
		Backlog:   viper.GetInt64(ConfNotifyRedisBacklog),
	}
	log.Info("Mirroring notifications to Redis stream",
		zap.String(ConfNotifyRedisStream, stream.StreamKey))
	return notify.MultiSender{udp, stream}, nil
}
