package clients

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestRegistry(opts Options) (*Registry, *clock) {
	clk := &clock{now: time.Unix(100000, 0)}
	r := NewRegistry(opts)
	r.Now = clk.Now
	return r, clk
}

func TestRole(t *testing.T) {
	assert.Equal(t, "submitter|worker", (RoleSubmitter | RoleWorker).String())
	assert.Equal(t, "unknown", RoleUnknown.String())
	assert.Equal(t, RoleWorker, (RoleAdmin | RoleWorker | RoleSubmitter).Primary())
	assert.Equal(t, RoleReader, (RoleReader | RoleSubmitter).Primary())
	assert.Equal(t, RoleUnknown, Role(0).Primary())
}

func TestRegistry_Touch(t *testing.T) {
	r, _ := newTestRegistry(DefaultOptions())
	res := r.Touch(Identity{Node: "n1", Session: "s1", Addr: "10.0.0.1"}, RoleWorker)
	assert.False(t, res.WasFound)
	assert.Equal(t, uint32(1), res.ID)

	res = r.Touch(Identity{Node: "n1", Session: "s1"}, RoleReader)
	assert.True(t, res.WasFound)
	assert.False(t, res.SessionChanged)

	// Anonymous clients are not tracked.
	res = r.Touch(Identity{}, RoleSubmitter)
	assert.Zero(t, res.ID)
	assert.Equal(t, 1, r.Count())

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "worker|reader", infos[0].Roles)
	assert.Equal(t, "10.0.0.1", infos[0].Addr)
}

func TestRegistry_SessionChange(t *testing.T) {
	r, _ := newTestRegistry(DefaultOptions())
	id := r.Touch(Identity{Node: "n1", Session: "s1"}, RoleWorker).ID
	r.AddToRunning(id, 10)
	r.AddToRunning(id, 11)
	r.AddToReading(id, 20)
	r.SetWaiting(id, WaitGet, 9000, nil)
	r.SetPreferredAffinities(id, roaring.BitmapOf(5, 6))

	res := r.Touch(Identity{Node: "n1", Session: "s2"}, RoleWorker)
	assert.True(t, res.WasFound)
	assert.True(t, res.SessionChanged)
	assert.Equal(t, "s1", res.OldSession)
	assert.Equal(t, []uint32{10, 11}, res.Running.ToArray())
	assert.Equal(t, []uint32{20}, res.Reading.ToArray())
	assert.Equal(t, uint16(9000), res.WaitPortToCancel)
	assert.True(t, res.PrefAffinitiesWereReset)
	assert.Equal(t, []uint32{5, 6}, res.ResetAffinities.ToArray())

	assert.Zero(t, r.RunningOwner(10))
	assert.Zero(t, r.ReadingOwner(20))
	assert.True(t, r.GetPreferredAffinities(id).IsEmpty())
}

func TestRegistry_LeaseExclusivity(t *testing.T) {
	r, _ := newTestRegistry(DefaultOptions())
	a := r.Touch(Identity{Node: "a"}, RoleWorker).ID
	b := r.Touch(Identity{Node: "b"}, RoleWorker).ID
	assert.Zero(t, r.AddToRunning(a, 1))
	assert.Equal(t, a, r.AddToRunning(b, 1))
	assert.Equal(t, b, r.RunningOwner(1))
	infos := r.List()
	assert.Empty(t, infos[0].Running)
	assert.Equal(t, []uint32{1}, infos[1].Running)

	assert.Equal(t, b, r.ClearExecuting(1))
	assert.Zero(t, r.ClearExecuting(1))
}

func TestRegistry_Blacklist(t *testing.T) {
	r, clk := newTestRegistry(DefaultOptions())
	id := r.Touch(Identity{Node: "w"}, RoleWorker).ID
	r.AddToRunning(id, 1)
	r.AddToRunning(id, 2)
	assert.Equal(t, id, r.ClearExecutingSetBlacklist(1, time.Minute))
	assert.Equal(t, id, r.ClearExecutingSetBlacklist(2, 0))
	assert.Equal(t, []uint32{1}, r.GetBlacklist(id, WaitGet).ToArray())
	assert.True(t, r.GetBlacklist(id, WaitRead).IsEmpty())

	r.AddToReading(id, 3)
	assert.Equal(t, id, r.ClearReadingSetBlacklist(3, time.Duration(1<<63-1)))
	assert.Equal(t, []uint32{3}, r.GetBlacklist(id, WaitRead).ToArray())

	clk.now = clk.now.Add(time.Minute)
	assert.True(t, r.GetBlacklist(id, WaitGet).IsEmpty())
	assert.Equal(t, []uint32{3}, r.GetBlacklist(id, WaitRead).ToArray())
}

func TestRegistry_PreferredAffinities(t *testing.T) {
	r, _ := newTestRegistry(DefaultOptions())
	id := r.Touch(Identity{Node: "w"}, RoleWorker).ID
	added, removed := r.UpdatePreferredAffinities(id, roaring.BitmapOf(1, 2), nil)
	assert.Equal(t, []uint32{1, 2}, added.ToArray())
	assert.True(t, removed.IsEmpty())
	added, removed = r.UpdatePreferredAffinities(id, roaring.BitmapOf(2, 3), roaring.BitmapOf(1, 9))
	assert.Equal(t, []uint32{3}, added.ToArray())
	assert.Equal(t, []uint32{1}, removed.ToArray())
	assert.Equal(t, []uint32{2, 3}, r.GetPreferredAffinities(id).ToArray())

	added, removed = r.SetPreferredAffinities(id, roaring.BitmapOf(3, 4))
	assert.Equal(t, []uint32{4}, added.ToArray())
	assert.Equal(t, []uint32{2}, removed.ToArray())
}

func TestRegistry_WaitingAndClear(t *testing.T) {
	r, _ := newTestRegistry(DefaultOptions())
	id := r.Touch(Identity{Node: "w"}, RoleWorker).ID
	r.SetWaiting(id, WaitRead, 7000, roaring.BitmapOf(1))
	assert.Zero(t, r.ResetWaiting(id, WaitGet))
	assert.Equal(t, uint16(7000), r.ResetWaiting(id, WaitRead))

	r.AddToRunning(id, 5)
	r.SetWaiting(id, WaitGet, 7001, nil)
	r.SetPreferredAffinities(id, roaring.BitmapOf(8))
	res := r.ClearWorkerNode("w")
	assert.True(t, res.Found)
	assert.Equal(t, []uint32{5}, res.Running.ToArray())
	assert.Equal(t, []uint32{8}, res.Affinities.ToArray())
	assert.Equal(t, uint16(7001), res.WaitPort)
	assert.Zero(t, r.RunningOwner(5))

	assert.False(t, r.ClearWorkerNode("unknown").Found)
}

func TestRegistry_Purge(t *testing.T) {
	opts := DefaultOptions()
	opts.Policies = map[Role]RolePolicy{
		RoleWorker:    {Timeout: time.Minute, Min: 1},
		RoleSubmitter: {Timeout: time.Minute, Min: 0},
	}
	r, clk := newTestRegistry(opts)
	w1 := r.Touch(Identity{Node: "w1"}, RoleWorker).ID
	clk.now = clk.now.Add(time.Second)
	w2 := r.Touch(Identity{Node: "w2"}, RoleWorker).ID
	clk.now = clk.now.Add(time.Second)
	w3 := r.Touch(Identity{Node: "w3"}, RoleWorker).ID
	s1 := r.Touch(Identity{Node: "s1"}, RoleSubmitter).ID
	r.SetPreferredAffinities(w1, roaring.BitmapOf(4))
	r.AddToRunning(w2, 10)

	// Nobody idle long enough.
	assert.Empty(t, r.Purge())

	// Minimum population holds even for idle clients.
	opts.Policies[RoleWorker] = RolePolicy{Timeout: time.Minute, Min: 3}
	r.Options = opts
	clk.now = clk.now.Add(2 * time.Minute)
	for _, p := range r.Purge() {
		assert.Equal(t, s1, p.ID)
	}
	s1 = r.Touch(Identity{Node: "s1"}, RoleSubmitter).ID
	opts.Policies[RoleWorker] = RolePolicy{Timeout: time.Minute, Min: 1}
	r.Options = opts

	clk.now = clk.now.Add(2 * time.Minute)
	purged := r.Purge()
	ids := make([]uint32, len(purged))
	for i, p := range purged {
		ids[i] = p.ID
	}
	// w2 holds a job and satisfies the minimum population.
	assert.ElementsMatch(t, []uint32{w1, w3, s1}, ids)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, w2, r.Lookup("w2"))

	assert.True(t, r.WasGarbageCollected("w1"))
	assert.False(t, r.WasGarbageCollected("s1"))
	res := r.Touch(Identity{Node: "w1"}, RoleWorker)
	assert.False(t, res.WasFound)
	assert.True(t, res.PrefAffinitiesWereReset)
	assert.False(t, r.WasGarbageCollected("w1"))
}

func TestRegistry_ResetStalePreferences(t *testing.T) {
	r, clk := newTestRegistry(DefaultOptions())
	idle := r.Touch(Identity{Node: "idle"}, RoleWorker).ID
	busy := r.Touch(Identity{Node: "busy"}, RoleWorker).ID
	r.SetPreferredAffinities(idle, roaring.BitmapOf(1))
	r.SetPreferredAffinities(busy, roaring.BitmapOf(2))
	r.AddToRunning(busy, 100)

	assert.Empty(t, r.ResetStalePreferences(time.Minute))
	clk.now = clk.now.Add(2 * time.Minute)
	reset := r.ResetStalePreferences(time.Minute)
	require.Len(t, reset, 1)
	assert.Equal(t, idle, reset[0].ID)
	assert.Equal(t, []uint32{1}, reset[0].Affinities.ToArray())
	assert.True(t, r.GetPreferredAffinities(idle).IsEmpty())
	assert.Equal(t, []uint32{2}, r.GetPreferredAffinities(busy).ToArray())

	// The worker is told on its next visit.
	res := r.Touch(Identity{Node: "idle"}, RoleWorker)
	assert.True(t, res.WasFound)
	assert.True(t, res.PrefAffinitiesWereReset)
}

func TestRegistry_ResetStaleReadBlacklists(t *testing.T) {
	r, clk := newTestRegistry(DefaultOptions())
	id := r.Touch(Identity{Node: "r1", Session: "s"}, RoleReader).ID
	r.AddToReading(id, 5)
	r.ClearReadingSetBlacklist(5, time.Hour)
	require.True(t, r.GetBlacklist(id, WaitRead).Contains(5))

	clk.now = clk.now.Add(10 * time.Second)
	assert.Equal(t, 0, r.ResetStaleReadBlacklists(time.Minute))
	clk.now = clk.now.Add(time.Minute)
	assert.Equal(t, 1, r.ResetStaleReadBlacklists(time.Minute))
	assert.True(t, r.GetBlacklist(id, WaitRead).IsEmpty())
}
