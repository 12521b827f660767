package queue

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store/badgerstore"
	"go.od2.network/nqueue/pkg/token"
	"go.uber.org/zap/zaptest"
)

var testSecret = [32]byte{1, 2, 3}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type datagram struct {
	addr string
	port uint16
	msg  url.Values
}

type recordingSender struct {
	mu   sync.Mutex
	sent []datagram
}

func (s *recordingSender) Send(_ context.Context, addr string, port uint16, msg []byte) error {
	values, err := url.ParseQuery(string(msg))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, datagram{addr, port, values})
	return nil
}

func (s *recordingSender) take() []datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []JobEvent
}

func (s *recordingSink) Publish(ev JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type testQueue struct {
	*Queue
	db     *badger.DB
	clock  *clock
	sender *recordingSender
	sink   *recordingSink
}

func testOptions() Options {
	opts := DefaultOptions
	opts.RetryDelay = time.Millisecond
	return opts
}

func openTestDB(t *testing.T) *badger.DB {
	db, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}

func newTestQueue(t *testing.T, opts Options) *testQueue {
	return newTestQueueDB(t, openTestDB(t), &clock{now: time.Unix(1600000000, 0)}, opts)
}

func newTestQueueDB(t *testing.T, db *badger.DB, clk *clock, opts Options) *testQueue {
	sender := new(recordingSender)
	sink := new(recordingSink)
	q := New("test", badgerstore.New(db, "test"), token.NewSimpleSigner(&testSecret), sender, opts)
	q.SetLogger(zaptest.NewLogger(t))
	q.Now = clk.Now
	q.Sink = sink
	require.NoError(t, q.Load(context.Background()))
	return &testQueue{Queue: q, db: db, clock: clk, sender: sender, sink: sink}
}

func worker(node string) clients.Identity {
	return clients.Identity{Node: node, Session: "s1", Addr: "127.0.0.1"}
}

func (q *testQueue) submit(t *testing.T, input, affinity string) uint32 {
	id, err := q.Submit(context.Background(), clients.Identity{Node: "submitter"}, SubmitRequest{
		Input:    []byte(input),
		Affinity: affinity,
	})
	require.NoError(t, err)
	return id
}

func (q *testQueue) get(t *testing.T, node string, req GetRequest) *GetResult {
	res, err := q.GetJobOrWait(context.Background(), worker(node), req)
	require.NoError(t, err)
	return res
}

func (q *testQueue) job(t *testing.T, id uint32) *jobs.Job {
	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// checkInvariants asserts that every job is in exactly one status set
// and that leases have exactly one holder.
func (q *testQueue) checkInvariants(t *testing.T) {
	t.Helper()
	var sum uint64
	for _, s := range jobs.Statuses {
		sum += q.status.Count(s)
	}
	assert.Equal(t, q.status.CountAll(), sum)
	assert.Equal(t, q.status.GetJobs().GetCardinality(), sum, "job in more than one status set")

	running := q.status.GetJobs(jobs.Running)
	reading := q.status.GetJobs(jobs.Reading)
	var runLeases, readLeases uint64
	for _, c := range q.clients.List() {
		runLeases += uint64(len(c.Running))
		readLeases += uint64(len(c.Reading))
		for _, id := range c.Running {
			assert.True(t, running.Contains(id), "client %s runs job %d", c.Node, id)
		}
		for _, id := range c.Reading {
			assert.True(t, reading.Contains(id), "client %s reads job %d", c.Node, id)
		}
	}
	assert.Equal(t, running.GetCardinality(), runLeases)
	assert.Equal(t, reading.GetCardinality(), readLeases)
}
