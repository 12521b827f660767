package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MySQL config keys.
const (
	ConfMySQLDSN             = "mysql.dsn"
	ConfMySQLMaxOpenConns    = "mysql.max_open_conns"
	ConfMySQLConnMaxLifetime = "mysql.conn_max_lifetime"
	ConfMySQLPingTimeout     = "mysql.ping_timeout"
)

func init() {
	viper.SetDefault(ConfMySQLDSN, "")
	viper.SetDefault(ConfMySQLMaxOpenConns, 16)
	viper.SetDefault(ConfMySQLConnMaxLifetime, 5*time.Minute)
	viper.SetDefault(ConfMySQLPingTimeout, 5*time.Second)
}

// NewMySQL connects the SQL job store to the MySQL DSN from config.
func NewMySQL(log *zap.Logger, lc fx.Lifecycle) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(viper.GetString(ConfMySQLDSN))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfMySQLDSN, err)
	}
	// Job timestamps are stored as UTC DATETIMEs.
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	log.Info("Connecting to MySQL DB",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User))
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(viper.GetInt(ConfMySQLMaxOpenConns))
	db.SetConnMaxLifetime(viper.GetDuration(ConfMySQLConnMaxLifetime))
	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(ConfMySQLPingTimeout))
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing MySQL client")
			return db.Close()
		},
	})
	return db, nil
}
