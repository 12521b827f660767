// Package storetest runs conformance tests against store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
)

var t0 = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

// SampleJob builds a job with a few events.
func SampleJob(id uint32) *jobs.Job {
	j := &jobs.Job{
		ID:         id,
		Passport:   0xbeef,
		Input:      []byte("input"),
		AffinityID: 3,
		GroupID:    4,
		RunTimeout: time.Minute,
	}
	j.AppendEvent(jobs.Event{Status: jobs.Pending, Kind: jobs.EventSubmit, Timestamp: t0, Node: "submitter"})
	j.AppendEvent(jobs.Event{Status: jobs.Running, Kind: jobs.EventRequest, Timestamp: t0.Add(time.Second), Node: "wn1", ClientID: 2})
	return j
}

// Run executes the conformance suite.
// newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Jobs", func(t *testing.T) {
		testJobs(t, newStore(t))
	})
	t.Run("Counters", func(t *testing.T) {
		testCounters(t, newStore(t))
	})
	t.Run("Dict", func(t *testing.T) {
		testDict(t, newStore(t))
	})
	t.Run("Rollback", func(t *testing.T) {
		testRollback(t, newStore(t))
	})
	t.Run("Scan", func(t *testing.T) {
		testScan(t, newStore(t))
	})
}

func update(t *testing.T, s store.Store, fn func(tx store.Tx)) {
	tx, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func assertTimesEqual(t *testing.T, expected, actual time.Time) {
	assert.True(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}

func testJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := SampleJob(1)
	update(t, s, func(tx store.Tx) {
		_, err := tx.FetchJob(1)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		require.NoError(t, tx.FlushJob(job))
	})

	tx, err := s.Begin(ctx, false)
	require.NoError(t, err)
	fetched, err := tx.FetchJob(1)
	tx.Rollback()
	require.NoError(t, err)
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, job.Passport, fetched.Passport)
	assert.Equal(t, jobs.Running, fetched.Status)
	assert.Equal(t, "input", string(fetched.Input))
	assert.Equal(t, uint32(3), fetched.AffinityID)
	assert.Equal(t, uint32(4), fetched.GroupID)
	assert.Equal(t, time.Minute, fetched.RunTimeout)
	assertTimesEqual(t, job.SubmitTime, fetched.SubmitTime)
	require.Len(t, fetched.Events, 2)
	assert.Equal(t, jobs.EventSubmit, fetched.Events[0].Kind)
	assert.Equal(t, jobs.EventRequest, fetched.Events[1].Kind)
	assert.Equal(t, "wn1", fetched.Events[1].Node)
	assert.Equal(t, uint32(2), fetched.Events[1].ClientID)
	assertTimesEqual(t, job.Events[1].Timestamp, fetched.Events[1].Timestamp)

	// Append an event and flush again.
	fetched.Output = []byte("output")
	fetched.AppendEvent(jobs.Event{Status: jobs.Done, Kind: jobs.EventDone, Timestamp: t0.Add(2 * time.Second), RetCode: 3})
	update(t, s, func(tx store.Tx) {
		require.NoError(t, tx.FlushJob(fetched))
	})
	update(t, s, func(tx store.Tx) {
		events, err := tx.FetchEvents(1)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, jobs.Done, events[2].Status)
		assert.Equal(t, int32(3), events[2].RetCode)
		// Events are also addressable individually.
		require.NoError(t, tx.AppendEvent(1, 3, &jobs.Event{Status: jobs.Reading, Kind: jobs.EventRead, Timestamp: t0}))
	})
	update(t, s, func(tx store.Tx) {
		j, err := tx.FetchJob(1)
		require.NoError(t, err)
		assert.Equal(t, "output", string(j.Output))
		assert.Len(t, j.Events, 4)
		require.NoError(t, tx.DeleteEvents(1))
		events, err := tx.FetchEvents(1)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
	update(t, s, func(tx store.Tx) {
		require.NoError(t, tx.DeleteJob(1))
	})
	update(t, s, func(tx store.Tx) {
		_, err := tx.FetchJob(1)
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}

func testCounters(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		v, err := tx.ReadCounter(store.CounterJobID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), v)
		require.NoError(t, tx.WriteCounter(store.CounterJobID, 10000))
	})
	update(t, s, func(tx store.Tx) {
		v, err := tx.ReadCounter(store.CounterJobID)
		require.NoError(t, err)
		assert.Equal(t, uint64(10000), v)
		require.NoError(t, tx.WriteCounter(store.CounterJobID, 20000))
	})
	update(t, s, func(tx store.Tx) {
		v, err := tx.ReadCounter(store.CounterJobID)
		require.NoError(t, err)
		assert.Equal(t, uint64(20000), v)
	})
}

func testDict(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		require.NoError(t, tx.PutDictEntry(store.DictAffinity, "a1", 1))
		require.NoError(t, tx.PutDictEntry(store.DictAffinity, "a2", 2))
		require.NoError(t, tx.PutDictEntry(store.DictGroup, "a1", 7))
	})
	update(t, s, func(tx store.Tx) {
		affs, err := tx.LoadDict(store.DictAffinity)
		require.NoError(t, err)
		assert.Equal(t, map[string]uint32{"a1": 1, "a2": 2}, affs)
		groups, err := tx.LoadDict(store.DictGroup)
		require.NoError(t, err)
		assert.Equal(t, map[string]uint32{"a1": 7}, groups)
		require.NoError(t, tx.DeleteDictEntry(store.DictAffinity, "a1"))
	})
	update(t, s, func(tx store.Tx) {
		affs, err := tx.LoadDict(store.DictAffinity)
		require.NoError(t, err)
		assert.Equal(t, map[string]uint32{"a2": 2}, affs)
	})
}

func testRollback(t *testing.T, s store.Store) {
	tx, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, tx.FlushJob(SampleJob(5)))
	tx.Rollback()
	update(t, s, func(tx store.Tx) {
		_, err := tx.FetchJob(5)
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}

func testScan(t *testing.T, s store.Store) {
	update(t, s, func(tx store.Tx) {
		for _, id := range []uint32{300, 2, 17} {
			require.NoError(t, tx.FlushJob(SampleJob(id)))
		}
	})
	var ids []uint32
	err := s.ScanJobs(context.Background(), func(job *jobs.Job) error {
		ids = append(ids, job.ID)
		assert.Len(t, job.Events, 2)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 17, 300}, ids)
}
