package providers

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.od2.network/nqueue/pkg/store"
	"go.od2.network/nqueue/pkg/store/badgerstore"
	"go.od2.network/nqueue/pkg/store/sqlstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store config keys.
const (
	ConfStoreDriver = "store.driver"
	ConfBadgerPath  = "badger.path"
)

// Store drivers.
const (
	StoreDriverBadger = "badger"
	StoreDriverMySQL  = "mysql"
)

func init() {
	viper.SetDefault(ConfStoreDriver, StoreDriverBadger)
	viper.SetDefault(ConfBadgerPath, "./data")
}

// StoreFactory opens the store of a queue.
type StoreFactory func(queue string) (store.Store, error)

// NewStoreFactory opens the configured database once.
// All queues share it, each under its own namespace.
func NewStoreFactory(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (StoreFactory, error) {
	switch driver := viper.GetString(ConfStoreDriver); driver {
	case StoreDriverBadger:
		path := viper.GetString(ConfBadgerPath)
		log.Info("Opening Badger DB", zap.String(ConfBadgerPath, path))
		db, err := badgerstore.Open(path)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("Closing Badger DB")
				return db.Close()
			},
		})
		return func(queue string) (store.Store, error) {
			return badgerstore.New(db, queue), nil
		}, nil
	case StoreDriverMySQL:
		db, err := NewMySQL(log, lc)
		if err != nil {
			return nil, err
		}
		return func(queue string) (store.Store, error) {
			st := sqlstore.New(db, queue)
			if err := st.CreateTables(ctx); err != nil {
				return nil, fmt.Errorf("failed to create tables of queue %s: %w", queue, err)
			}
			return st, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown %s: %q", ConfStoreDriver, driver)
	}
}
