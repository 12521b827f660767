// Package mariadbtest constructs short-lived MariaDB instances for unit-testing.
//
// Available backends: Subprocess (local mysqld), Docker.
package mariadbtest

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// Backend is an available MariaDB test backend.
type Backend interface {
	MySQLConfig() *mysql.Config
	DB(name string) (*sql.DB, error)
	Close(t testing.TB)
}

// EnvDocker enables the Docker backend when no local server is installed.
const EnvDocker = "MARIADBTEST_DOCKER"

// Default constructs a MariaDB server/client session
// from the fastest available backend.
// Skips the test if no backend is available.
func Default(t testing.TB) Backend {
	if SupportsSubprocess() {
		t.Log("mariadbtest: MySQL server installed, using subprocess")
		return NewSubprocess(t)
	}
	if os.Getenv(EnvDocker) != "" {
		t.Log("mariadbtest: Falling back to Docker")
		return NewDocker(t)
	}
	t.Skip("mariadbtest: no MariaDB backend available, set " + EnvDocker + " to use Docker")
	return nil
}

// Connect opens a sqlx handle to the backend's default database,
// parsing DATETIME columns into time.Time.
func Connect(t testing.TB, b Backend) *sqlx.DB {
	config := *b.MySQLConfig()
	config.ParseTime = true
	config.Loc = time.UTC
	config.MultiStatements = false
	db, err := sqlx.Open("mysql", config.FormatDSN())
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	return db
}
