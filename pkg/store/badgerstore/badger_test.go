package badgerstore

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/store"
	"go.od2.network/nqueue/pkg/store/storetest"
)

func openTestDB(t *testing.T) *badger.DB {
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New(openTestDB(t), "test")
	})
}

func TestStore_Namespaces(t *testing.T) {
	db := openTestDB(t)
	q1, q2 := New(db, "q1"), New(db, "q2")
	ctx := context.Background()
	tx, err := q1.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.FlushJob(storetest.SampleJob(1)))
	require.NoError(t, tx.Commit())

	tx, err = q2.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.FetchJob(1)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStore_Conflict(t *testing.T) {
	s := New(openTestDB(t), "test")
	ctx := context.Background()
	tx1, err := s.Begin(ctx, true)
	require.NoError(t, err)
	defer tx1.Rollback()
	tx2, err := s.Begin(ctx, true)
	require.NoError(t, err)
	defer tx2.Rollback()
	// Both transactions read and write the same counter.
	_, err = tx1.ReadCounter(store.CounterJobID)
	require.NoError(t, err)
	_, err = tx2.ReadCounter(store.CounterJobID)
	require.NoError(t, err)
	require.NoError(t, tx1.WriteCounter(store.CounterJobID, 1))
	require.NoError(t, tx2.WriteCounter(store.CounterJobID, 2))
	require.NoError(t, tx1.Commit())
	err = tx2.Commit()
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
}
