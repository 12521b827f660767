package notify

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/ratelimit"
	"go.uber.org/zap/zaptest"
)

type sent struct {
	addr string
	port uint16
	msg  url.Values
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) Send(_ context.Context, addr string, port uint16, msg []byte) error {
	values, err := url.ParseQuery(string(msg))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{addr, port, values})
	return nil
}

func (s *recordingSender) ports() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.port
	}
	s.sent = nil
	return out
}

type fakeOracle struct {
	prefs     map[uint32]*roaring.Bitmap
	available map[uint32]bool
}

func (o *fakeOracle) PreferredAffinities(clientID uint32) *roaring.Bitmap {
	if p, ok := o.prefs[clientID]; ok {
		return p
	}
	return roaring.New()
}

func (o *fakeOracle) AffinityPreferred(affID, exceptClient uint32) bool {
	for clientID, p := range o.prefs {
		if clientID != exceptClient && p.Contains(affID) {
			return true
		}
	}
	return false
}

func (o *fakeOracle) JobsAvailable(l *Listener) bool {
	return o.available[l.ClientID]
}

var t0 = time.Unix(5000, 0)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *recordingSender, *fakeOracle) {
	sender := new(recordingSender)
	oracle := &fakeOracle{
		prefs:     make(map[uint32]*roaring.Bitmap),
		available: make(map[uint32]bool),
	}
	r := NewRegistry("q1", sender, oracle, opts)
	r.Log = zaptest.NewLogger(t)
	return r, sender, oracle
}

func TestRegistry_Matches(t *testing.T) {
	r, _, oracle := newTestRegistry(t, DefaultOptions())
	oracle.prefs[1] = roaring.BitmapOf(10)
	oracle.prefs[2] = roaring.BitmapOf(20)

	explicit := &Listener{ClientID: 3, Affinities: roaring.BitmapOf(30)}
	assert.True(t, r.Matches(explicit, 30, 0))
	assert.False(t, r.Matches(explicit, 10, 0))

	wnode := &Listener{ClientID: 1, Affinities: roaring.New(), WNodeAffinity: true}
	assert.True(t, r.Matches(wnode, 10, 0))
	assert.False(t, r.Matches(wnode, 20, 0))

	exclusive := &Listener{ClientID: 3, Affinities: roaring.New(), ExclusiveNew: true}
	assert.True(t, r.Matches(exclusive, 99, 0))
	assert.False(t, r.Matches(exclusive, 20, 0))

	any := &Listener{ClientID: 3, Affinities: roaring.New(), AnyAffinity: true}
	assert.True(t, r.Matches(any, 20, 0))

	plain := &Listener{ClientID: 1, Affinities: roaring.New()}
	assert.True(t, r.Matches(plain, 0, 0))
	assert.True(t, r.Matches(plain, 10, 0), "own preference")
	assert.False(t, r.Matches(plain, 20, 0), "preferred by another worker")

	grouped := &Listener{ClientID: 3, Affinities: roaring.New(), AnyAffinity: true, GroupID: 5}
	assert.True(t, r.Matches(grouped, 0, 5))
	assert.False(t, r.Matches(grouped, 0, 6))
}

func TestRegistry_Notify(t *testing.T) {
	opts := DefaultOptions()
	opts.Handicap = time.Second
	r, sender, _ := newTestRegistry(t, opts)
	ctx := context.Background()
	r.RegisterListener(Listener{ClientID: 1, Addr: "10.0.0.1", Port: 9001, Deadline: t0.Add(time.Minute)})
	r.RegisterListener(Listener{ClientID: 2, Addr: "10.0.0.2", Port: 9002, Deadline: t0.Add(time.Minute), Affinities: roaring.BitmapOf(7)})
	r.RegisterListener(Listener{ClientID: 3, Addr: "10.0.0.3", Port: 9003, Deadline: t0.Add(time.Minute), Kind: KindRead})

	assert.Equal(t, 1, r.Notify(ctx, t0, KindGet, 0, 0))
	assert.Equal(t, []uint16{9001}, sender.ports())

	// Handicap suppresses the repeat.
	assert.Equal(t, 1, r.Notify(ctx, t0.Add(500*time.Millisecond), KindGet, 7, 0))
	assert.Equal(t, []uint16{9002}, sender.ports())
	assert.Equal(t, 0, r.Notify(ctx, t0.Add(600*time.Millisecond), KindGet, 0, 0))

	assert.Equal(t, 1, r.Notify(ctx, t0, KindRead, 0, 0))
	sender.mu.Lock()
	msg := sender.sent[0].msg
	sender.mu.Unlock()
	assert.Equal(t, "q1", msg.Get("queue"))
	assert.Equal(t, "read", msg.Get("reason"))
}

func TestRegistry_NotifyRateLimited(t *testing.T) {
	r, sender, _ := newTestRegistry(t, DefaultOptions())
	r.Limiter = ratelimit.NewLimiter(1, 1)
	for i := uint32(1); i <= 3; i++ {
		r.RegisterListener(Listener{ClientID: i, Addr: "127.0.0.1", Port: uint16(9000 + i), Deadline: t0.Add(time.Minute)})
	}
	assert.Equal(t, 1, r.Notify(context.Background(), t0, KindGet, 0, 0))
	assert.Len(t, sender.ports(), 1)
}

func TestRegistry_NotifyPeriodically(t *testing.T) {
	opts := DefaultOptions()
	opts.LoFreqMultiplier = 3
	opts.HiFreqPeriod = time.Second
	r, sender, oracle := newTestRegistry(t, opts)
	ctx := context.Background()
	r.RegisterListener(Listener{ClientID: 1, Addr: "127.0.0.1", Port: 9001, Deadline: t0.Add(time.Hour)})
	r.RegisterListener(Listener{ClientID: 2, Addr: "127.0.0.1", Port: 9002, Deadline: t0.Add(time.Hour)})
	oracle.available[2] = true

	// Low frequency: only every third tick.
	now := t0
	assert.Zero(t, r.NotifyPeriodically(ctx, now))
	assert.Zero(t, r.NotifyPeriodically(ctx, now))
	assert.Equal(t, 1, r.NotifyPeriodically(ctx, now))
	assert.Equal(t, []uint16{9002}, sender.ports())

	// High frequency after a Notify.
	r.Notify(ctx, now, KindRead, 0, 0)
	assert.Equal(t, 1, r.NotifyPeriodically(ctx, now.Add(100*time.Millisecond)))
	assert.Equal(t, 1, r.NotifyPeriodically(ctx, now.Add(200*time.Millisecond)))
	// Back to low frequency, tick 6 runs and tick 7 does not.
	assert.Equal(t, 1, r.NotifyPeriodically(ctx, now.Add(2*time.Second)))
	assert.Zero(t, r.NotifyPeriodically(ctx, now.Add(2*time.Second)))
}

func TestRegistry_NotifyAvailable(t *testing.T) {
	opts := DefaultOptions()
	opts.LoFreqMultiplier = 100
	r, sender, oracle := newTestRegistry(t, opts)
	ctx := context.Background()
	r.RegisterListener(Listener{ClientID: 1, Addr: "127.0.0.1", Port: 9001, Deadline: t0.Add(time.Hour), Affinities: roaring.BitmapOf(7)})
	r.RegisterListener(Listener{ClientID: 2, Addr: "127.0.0.1", Port: 9002, Deadline: t0.Add(time.Hour)})
	r.RegisterListener(Listener{ClientID: 3, Addr: "127.0.0.1", Port: 9003, Deadline: t0.Add(time.Hour), Kind: KindRead})
	r.RegisterListener(Listener{ClientID: 4, Addr: "127.0.0.1", Port: 9004, Deadline: t0.Add(-time.Second)})
	for id := uint32(1); id <= 4; id++ {
		oracle.available[id] = true
	}
	oracle.available[2] = false

	// Only the oracle decides, affinity filters do not narrow the wake.
	assert.Equal(t, 1, r.NotifyAvailable(ctx, t0, KindGet))
	assert.Equal(t, []uint16{9001}, sender.ports())
	assert.Equal(t, 1, r.NotifyAvailable(ctx, t0, KindRead))
	assert.Equal(t, []uint16{9003}, sender.ports())

	// The sweep runs at high frequency afterwards.
	assert.Equal(t, 2, r.NotifyPeriodically(ctx, t0.Add(time.Second)))
}

func TestRegistry_CheckTimeout(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultOptions())
	r.RegisterListener(Listener{ClientID: 1, Port: 1, Deadline: t0})
	r.RegisterListener(Listener{ClientID: 2, Port: 2, Deadline: t0.Add(time.Second)})
	r.RegisterListener(Listener{ClientID: 2, Port: 2, Deadline: t0.Add(time.Second), Kind: KindRead})

	expired := r.CheckTimeout(t0.Add(500 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, uint32(1), expired[0].ClientID)
	assert.Equal(t, 2, r.Count())

	assert.True(t, r.UnregisterListener(2, KindGet))
	assert.False(t, r.UnregisterListener(2, KindGet))
	assert.Equal(t, 1, r.UnregisterPort(2, 2))
	assert.Empty(t, r.Listeners())
}

func TestRegistry_NotifyJobStatus(t *testing.T) {
	r, sender, _ := newTestRegistry(t, DefaultOptions())
	r.NotifyJobStatus(context.Background(), "10.1.1.1", 4000, "q1_5", "Done", 3)
	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, "10.1.1.1", m.addr)
	assert.Equal(t, "q1_5", m.msg.Get("job_key"))
	assert.Equal(t, "Done", m.msg.Get("job_status"))
	assert.Equal(t, "3", m.msg.Get("last_event_index"))
}
