package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
)

func TestQueue_SubmitGetComplete(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()

	id := q.submit(t, "payload1", "")
	assert.Equal(t, uint32(1), id)
	assert.Equal(t, jobs.Pending, q.GetStatus(id))

	got := q.get(t, "workerX", GetRequest{})
	require.NotNil(t, got.Job)
	assert.Equal(t, id, got.Job.ID)
	assert.Equal(t, jobs.Running, q.GetStatus(id))
	q.checkInvariants(t)

	out, err := q.PutResult(ctx, worker("workerX"), id, got.AuthToken, 0, []byte("result1"))
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Running, jobs.Done), out)

	read, err := q.GetJobForReadingOrWait(ctx, worker("readerY"), ReadRequest{})
	require.NoError(t, err)
	require.NotNil(t, read.Job)
	assert.Equal(t, id, read.Job.ID)
	assert.Equal(t, jobs.Reading, q.GetStatus(id))
	q.checkInvariants(t)

	out, err = q.ConfirmReading(ctx, worker("readerY"), id, read.AuthToken)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Reading, jobs.Confirmed), out)

	job := q.job(t, id)
	assert.Equal(t, []byte("result1"), job.Output)
	assert.Equal(t, []byte("payload1"), job.Input)
	kinds := make([]jobs.EventKind, len(job.Events))
	for i, ev := range job.Events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []jobs.EventKind{
		jobs.EventSubmit, jobs.EventRequest, jobs.EventDone, jobs.EventRead, jobs.EventReadDone,
	}, kinds)
	assert.Equal(t, "workerX", job.Events[1].Node)
	assert.Len(t, q.sink.events, 5)
	q.checkInvariants(t)
}

func TestQueue_InputLimits(t *testing.T) {
	opts := testOptions()
	opts.MaxInputSize = 4
	q := newTestQueue(t, opts)
	_, err := q.Submit(context.Background(), clients.Identity{}, SubmitRequest{Input: []byte("12345")})
	assert.ErrorIs(t, err, ErrInputTooLarge)
	assert.Equal(t, KindValidation, Kind(err))
	assert.Zero(t, q.status.CountAll())

	_, err = q.SubmitBatch(context.Background(), clients.Identity{}, nil, "")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestQueue_SubmitBatch(t *testing.T) {
	q := newTestQueue(t, testOptions())
	first := q.submit(t, "solo", "")
	batch, err := q.SubmitBatch(context.Background(), clients.Identity{Node: "s"}, []BatchItem{
		{Input: []byte("a"), Affinity: "x"},
		{Input: []byte("b"), Affinity: "x"},
		{Input: []byte("c")},
	}, "g1")
	require.NoError(t, err)
	assert.Equal(t, first+1, batch)

	stat, err := q.JobsStat("g1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stat.Total)
	assert.Equal(t, uint64(3), stat.Jobs["Pending"])

	stat, err = q.JobsStat("g1", "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stat.Total)

	_, err = q.JobsStat("nope", "")
	assert.ErrorIs(t, err, ErrUnknownGroup)

	job := q.job(t, batch+2)
	assert.Equal(t, jobs.EventBatchSubmit, job.Events[0].Kind)
	assert.NotZero(t, job.GroupID)
	assert.Zero(t, job.AffinityID)

	assert.Equal(t, uint64(3), q.groups.GetJobsInGroup(job.GroupID).GetCardinality())
	for id := batch; id <= batch+2; id++ {
		rec, ok := q.gc.Get(id)
		require.True(t, ok)
		assert.Equal(t, job.GroupID, rec.GroupID)
		assert.Equal(t, q.job(t, id).Expiration(q.timeouts()), rec.Expiration)
		assert.Equal(t, jobs.Pending, q.GetStatus(id))
	}
	assert.Equal(t, uint64(2), q.affinities.GetJobs(q.job(t, batch).AffinityID).GetCardinality())
	q.checkInvariants(t)
}

func TestQueue_RetryThenFail(t *testing.T) {
	opts := testOptions()
	opts.FailedRetries = 1
	opts.BlacklistTime = 0
	q := newTestQueue(t, opts)
	ctx := context.Background()
	id := q.submit(t, "in", "")

	got := q.get(t, "w", GetRequest{})
	require.NotNil(t, got.Job)
	out, err := q.Fail(ctx, worker("w"), id, got.AuthToken, 1, "boom", nil, false)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Running, jobs.Pending), out)

	got = q.get(t, "w", GetRequest{})
	require.NotNil(t, got.Job)
	assert.Equal(t, uint32(2), got.Job.RunCount)
	out, err = q.Fail(ctx, worker("w"), id, got.AuthToken, 1, "boom", nil, false)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Running, jobs.Failed), out)

	job := q.job(t, id)
	assert.Equal(t, jobs.EventFinalFail, job.LastEvent().Kind)
	assert.Equal(t, "boom", job.LastEvent().ErrorMsg)
	assert.Nil(t, q.get(t, "w", GetRequest{}).Job)
	q.checkInvariants(t)
}

func TestQueue_FailNoRetries(t *testing.T) {
	opts := testOptions()
	opts.FailedRetries = 5
	q := newTestQueue(t, opts)
	id := q.submit(t, "in", "")
	got := q.get(t, "w", GetRequest{})
	out, err := q.Fail(context.Background(), worker("w"), id, got.AuthToken, 0, "", []byte("partial"), true)
	require.NoError(t, err)
	assert.Equal(t, jobs.Failed, out.Status)
	assert.Equal(t, []byte("partial"), q.job(t, id).Output)
}

func TestQueue_FailBlacklists(t *testing.T) {
	opts := testOptions()
	opts.FailedRetries = 3
	q := newTestQueue(t, opts)
	id := q.submit(t, "in", "")
	got := q.get(t, "w1", GetRequest{})
	_, err := q.Fail(context.Background(), worker("w1"), id, got.AuthToken, 0, "", nil, false)
	require.NoError(t, err)

	assert.Nil(t, q.get(t, "w1", GetRequest{}).Job)
	got = q.get(t, "w2", GetRequest{})
	require.NotNil(t, got.Job)
	assert.Equal(t, id, got.Job.ID)
}

func TestQueue_AuthToken(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	id := q.submit(t, "in", "")
	first := q.get(t, "w1", GetRequest{})
	require.NotNil(t, first.Job)

	_, err := q.PutResult(ctx, worker("w1"), id, "garbage", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAuthToken)

	other := q.submit(t, "other", "")
	_, err = q.Return(ctx, worker("w1"), other, first.AuthToken, false)
	assert.ErrorIs(t, err, ErrAuthTokenMismatch)

	out, err := q.Return(ctx, worker("w1"), id, first.AuthToken, false)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Running, jobs.Pending), out)
	assert.Zero(t, q.job(t, id).RunCount)

	second := q.get(t, "w2", GetRequest{})
	require.NotNil(t, second.Job)
	require.Equal(t, id, second.Job.ID)

	// The first lease is gone, its token only matches the passport.
	out, err = q.PutResult(ctx, worker("w1"), id, first.AuthToken, 0, []byte("late"))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.NotEmpty(t, out.Warning)
	assert.Equal(t, jobs.Running, q.GetStatus(id))

	out, err = q.PutResult(ctx, worker("w2"), id, second.AuthToken, 0, []byte("ok"))
	require.NoError(t, err)
	assert.True(t, out.Applied)
	q.checkInvariants(t)
}

func TestQueue_WrongStatus(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	id := q.submit(t, "in", "")
	got := q.get(t, "w", GetRequest{})
	_, err := q.PutResult(ctx, worker("w"), id, got.AuthToken, 0, nil)
	require.NoError(t, err)

	job := q.job(t, id)
	tok, err := q.authToken(job)
	require.NoError(t, err)
	out, err := q.Fail(ctx, worker("w"), id, tok, 0, "", nil, false)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, jobs.Done, out.Status)

	_, err = q.PutResult(ctx, worker("w"), 999, tok, 0, nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, KindNotFound, Kind(err))
}

func TestQueue_CancelIdempotent(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	id := q.submit(t, "in", "")
	q.get(t, "w", GetRequest{})

	out, err := q.Cancel(ctx, clients.Identity{}, id)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Running, jobs.Canceled), out)
	events := len(q.job(t, id).Events)

	out, err = q.Cancel(ctx, clients.Identity{}, id)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, jobs.Canceled, out.Status)
	assert.Len(t, q.job(t, id).Events, events)
	q.checkInvariants(t)

	_, err = q.Cancel(ctx, clients.Identity{}, 12345)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_CancelSelected(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	_, err := q.SubmitBatch(ctx, clients.Identity{}, []BatchItem{{Input: []byte("a")}, {Input: []byte("b")}}, "g")
	require.NoError(t, err)
	loose := q.submit(t, "c", "aff")

	_, err = q.CancelSelected(ctx, clients.Identity{}, "missing", "", nil)
	assert.ErrorIs(t, err, ErrUnknownGroup)
	_, err = q.CancelSelected(ctx, clients.Identity{}, "", "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownAffinity)

	n, err := q.CancelSelected(ctx, clients.Identity{}, "g", "", []jobs.Status{jobs.Pending})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, jobs.Pending, q.GetStatus(loose))

	n, err = q.CancelAll(ctx, clients.Identity{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(3), q.status.Count(jobs.Canceled))
}

func TestQueue_ReadRetries(t *testing.T) {
	opts := testOptions()
	opts.ReadFailedRetries = 1
	opts.ReadBlacklistTime = 0
	q := newTestQueue(t, opts)
	ctx := context.Background()
	id := q.submit(t, "in", "")
	got := q.get(t, "w", GetRequest{})
	_, err := q.Fail(ctx, worker("w"), id, got.AuthToken, 0, "", nil, true)
	require.NoError(t, err)

	read, err := q.GetJobForReadingOrWait(ctx, worker("r"), ReadRequest{})
	require.NoError(t, err)
	require.NotNil(t, read.Job)
	out, err := q.FailReading(ctx, worker("r"), id, read.AuthToken, "bad", false)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Reading, jobs.Failed), out)

	read, err = q.GetJobForReadingOrWait(ctx, worker("r"), ReadRequest{})
	require.NoError(t, err)
	require.NotNil(t, read.Job)
	out, err = q.ReturnReading(ctx, worker("r"), id, read.AuthToken, false)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Reading, jobs.ReadFailed), out)
	q.checkInvariants(t)
}

func TestQueue_SessionChange(t *testing.T) {
	opts := testOptions()
	opts.FailedRetries = 3
	q := newTestQueue(t, opts)
	ctx := context.Background()
	id := q.submit(t, "in", "")
	got := q.get(t, "w", GetRequest{})
	require.NotNil(t, got.Job)

	res, err := q.Touch(ctx, clients.Identity{Node: "w", Session: "s2"}, clients.RoleWorker)
	require.NoError(t, err)
	assert.True(t, res.SessionChanged)
	assert.Equal(t, jobs.Pending, q.GetStatus(id))
	assert.Equal(t, jobs.EventSessionChanged, q.job(t, id).LastEvent().Kind)
	q.checkInvariants(t)
}

func TestQueue_ClearWorkerNode(t *testing.T) {
	opts := testOptions()
	opts.FailedRetries = 3
	q := newTestQueue(t, opts)
	ctx := context.Background()
	id := q.submit(t, "in", "")
	require.NotNil(t, q.get(t, "w", GetRequest{}).Job)

	require.NoError(t, q.ClearWorkerNode(ctx, worker("w")))
	assert.Equal(t, jobs.Pending, q.GetStatus(id))
	assert.Equal(t, jobs.EventClear, q.job(t, id).LastEvent().Kind)
	require.NoError(t, q.ClearWorkerNode(ctx, worker("unknown")))
	assert.ErrorIs(t, q.ClearWorkerNode(ctx, clients.Identity{}), ErrInvalidParameter)
	q.checkInvariants(t)
}

func TestQueue_Reschedule(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	id := q.submit(t, "in", "a")
	got := q.get(t, "w", GetRequest{Affinities: []string{"a"}})
	require.NotNil(t, got.Job)

	out, err := q.Reschedule(ctx, worker("w"), id, got.AuthToken, "b", "g")
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Running, jobs.Pending), out)

	assert.Nil(t, q.get(t, "w2", GetRequest{Affinities: []string{"a"}}).Job)
	got = q.get(t, "w2", GetRequest{Affinities: []string{"b"}, Group: "g"})
	require.NotNil(t, got.Job)
	assert.Equal(t, id, got.Job.ID)
	assert.Equal(t, uint32(1), got.Job.RunCount)
}

func TestQueue_ExtendRun(t *testing.T) {
	opts := testOptions()
	opts.RunTimeout = 10 * time.Second
	opts.FailedRetries = 1
	q := newTestQueue(t, opts)
	ctx := context.Background()
	id := q.submit(t, "in", "")
	got := q.get(t, "w", GetRequest{})

	q.clock.Advance(5 * time.Second)
	out, err := q.ExtendRun(ctx, worker("w"), id, got.AuthToken, time.Minute)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	second, ok := q.timeline.Second(id)
	require.True(t, ok)
	assert.Equal(t, q.Now().Add(time.Minute).Unix(), second)

	q.clock.Advance(30 * time.Second)
	n, err := q.CheckExecutionTimeout(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, jobs.Running, q.GetStatus(id))

	// The token stays valid, extending does not add events.
	_, err = q.PutResult(ctx, worker("w"), id, got.AuthToken, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, jobs.Done, q.GetStatus(id))

	_, err = q.ExtendRun(ctx, worker("w"), id, got.AuthToken, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestQueue_ExtendRead(t *testing.T) {
	opts := testOptions()
	opts.ReadTimeout = 10 * time.Second
	q := newTestQueue(t, opts)
	ctx := context.Background()
	id := q.submit(t, "in", "")
	q.finish(t)
	read, err := q.GetJobForReadingOrWait(ctx, worker("r"), ReadRequest{})
	require.NoError(t, err)
	require.NotNil(t, read.Job)
	second, ok := q.timeline.Second(id)
	require.True(t, ok)
	assert.Equal(t, q.Now().Add(10*time.Second).Unix(), second)

	q.clock.Advance(5 * time.Second)
	out, err := q.ExtendRead(ctx, worker("r"), id, read.AuthToken, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, applied(jobs.Reading, jobs.Reading), out)
	second, ok = q.timeline.Second(id)
	require.True(t, ok)
	assert.Equal(t, q.Now().Add(time.Minute).Unix(), second)

	q.clock.Advance(30 * time.Second)
	n, err := q.CheckExecutionTimeout(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, jobs.Reading, q.GetStatus(id))

	_, err = q.ExtendRead(ctx, worker("r"), id, read.AuthToken, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	q.clock.Advance(time.Minute)
	n, err = q.CheckExecutionTimeout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEqual(t, jobs.Reading, q.GetStatus(id))
	q.checkInvariants(t)

	// A lapsed lease cannot be extended.
	out, err = q.ExtendRead(ctx, worker("r"), id, read.AuthToken, time.Minute)
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.False(t, q.timeline.Contains(id))
}

func TestQueue_ProgressMessage(t *testing.T) {
	q := newTestQueue(t, testOptions())
	id := q.submit(t, "in", "")
	require.NoError(t, q.PutProgressMessage(context.Background(), id, "50%"))
	assert.Equal(t, "50%", q.job(t, id).Progress)
	assert.ErrorIs(t, q.PutProgressMessage(context.Background(), 77, "x"), ErrJobNotFound)
}

func TestQueue_Load(t *testing.T) {
	opts := testOptions()
	opts.RunTimeout = time.Minute
	q := newTestQueue(t, opts)
	ctx := context.Background()
	a := q.submit(t, "a", "x")
	b := q.submit(t, "b", "")
	got := q.get(t, "w", GetRequest{Affinities: []string{"x"}})
	require.Equal(t, a, got.Job.ID)

	reloaded := newTestQueueDB(t, q.db, q.clock, opts)
	assert.Equal(t, jobs.Running, reloaded.GetStatus(a))
	assert.Equal(t, jobs.Pending, reloaded.GetStatus(b))
	assert.Equal(t, q.affinities.GetIDByToken("x"), reloaded.affinities.GetIDByToken("x"))
	next, ok := reloaded.NextTimeout()
	require.True(t, ok)
	assert.Equal(t, q.clock.Now().Add(time.Minute), next)

	c := reloaded.submit(t, "c", "")
	assert.Greater(t, c, b)
	assert.Equal(t, uint64(1), reloaded.affinities.GetJobs(reloaded.affinities.GetIDByToken("x")).GetCardinality())

	// Leases of the previous process are not known to the new client registry,
	// the lease timeout reclaims them.
	reloaded.clock.Advance(2 * time.Minute)
	n, err := reloaded.CheckExecutionTimeout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, jobs.Failed, reloaded.GetStatus(a))
}

func TestQueue_Truncate(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		q.submit(t, fmt.Sprint(i), "a")
	}
	q.get(t, "w", GetRequest{})
	require.NoError(t, q.Truncate(ctx))
	assert.Zero(t, q.status.CountAll())
	assert.Zero(t, q.gc.Count())
	_, err := q.GetJob(ctx, 1)
	assert.ErrorIs(t, err, ErrJobNotFound)
	q.checkInvariants(t)
}

func TestQueue_Admin(t *testing.T) {
	q := newTestQueue(t, testOptions())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		q.submit(t, fmt.Sprint(i), "a")
	}
	q.submit(t, "plain", "")
	q.get(t, "w", GetRequest{Affinities: []string{"a"}})
	assert.Equal(t, uint64(5), q.CountActiveJobs())

	affs := q.GetAffinityList()
	require.Len(t, affs, 1)
	assert.Equal(t, AffinityInfo{ID: 1, Token: "a", Jobs: 4, Pending: 3, Running: 1}, affs[0])

	dump, err := q.DumpJobs(ctx, DumpFilter{Statuses: []jobs.Status{jobs.Pending}, Start: 2, Count: 2})
	require.NoError(t, err)
	require.Len(t, dump, 2)
	assert.Equal(t, uint32(2), dump[0].ID)
	assert.Equal(t, uint32(3), dump[1].ID)

	assert.Len(t, q.Clients(), 2)
	assert.Equal(t, jobs.NotFound, q.GetStatus(99))
}

func TestQueue_Conflicts(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 2
	q := newTestQueue(t, opts)
	conflicts := 0
	err := q.update(context.Background(), func(tx store.Tx, p *post) error {
		conflicts++
		return fmt.Errorf("wrapped: %w", store.ErrConflict)
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, KindTransient, Kind(err))
	assert.Equal(t, 3, conflicts)

	calls := 0
	err = q.update(context.Background(), func(tx store.Tx, p *post) error {
		calls++
		if calls < 2 {
			return store.ErrConflict
		}
		return nil
	})
	assert.NoError(t, err)

	boom := errors.New("boom")
	calls = 0
	err = q.update(context.Background(), func(tx store.Tx, p *post) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindValidation, Kind(fmt.Errorf("x: %w", ErrUnknownQueue)))
	assert.Equal(t, KindInvariant, Kind(ErrInvariant))
	assert.Equal(t, KindInternal, Kind(errors.New("other")))
	assert.Equal(t, "transient", KindTransient.String())
}

func TestCollection(t *testing.T) {
	c := NewCollection()
	q1 := newTestQueue(t, testOptions())
	require.NoError(t, c.Add(q1.Queue))
	assert.ErrorIs(t, c.Add(q1.Queue), ErrInvalidParameter)
	got, err := c.Get("test")
	require.NoError(t, err)
	assert.Same(t, q1.Queue, got)
	_, err = c.Get("other")
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.Equal(t, []string{"test"}, c.List())
	assert.Len(t, c.Queues(), 1)
}
