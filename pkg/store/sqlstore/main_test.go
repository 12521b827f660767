package sqlstore

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/mariadbtest"
	"go.od2.network/nqueue/pkg/store"
	"go.od2.network/nqueue/pkg/store/storetest"
)

var sqlConnFlag = flag.String("sql-conn", "", "SQL connection string (DSN with parseTime=true)")

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

var tableSeq int64

// connect returns a DB handle from -sql-conn or a local test backend.
func connect(t *testing.T) *sqlx.DB {
	if *sqlConnFlag != "" {
		db, err := sqlx.Open("mysql", *sqlConnFlag)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	}
	backend := mariadbtest.Default(t)
	t.Cleanup(func() { backend.Close(t) })
	db := mariadbtest.Connect(t, backend)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, db *sqlx.DB) *Store {
	s := New(db, fmt.Sprintf("t%d_%d", os.Getpid(), atomic.AddInt64(&tableSeq, 1)))
	s.ScanBatch = 2
	require.NoError(t, s.CreateTables(context.Background()))
	t.Cleanup(func() {
		for _, table := range []string{"jobs", "events", "counters", "dict"} {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + s.TablePrefix + "_" + table)
		}
	})
	return s
}

func TestStore(t *testing.T) {
	db := connect(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t, db)
	})
}
