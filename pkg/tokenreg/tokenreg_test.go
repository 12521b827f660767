package tokenreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/nqueue/pkg/store"
)

type memDict struct {
	dicts    map[string]map[string]uint32
	counters map[string]uint64
}

var _ store.Dict = (*memDict)(nil)

func newMemDict() *memDict {
	return &memDict{
		dicts:    make(map[string]map[string]uint32),
		counters: make(map[string]uint64),
	}
}

func (m *memDict) LoadDict(kind string) (map[string]uint32, error) {
	out := make(map[string]uint32)
	for k, v := range m.dicts[kind] {
		out[k] = v
	}
	return out, nil
}

func (m *memDict) PutDictEntry(kind, tok string, id uint32) error {
	if m.dicts[kind] == nil {
		m.dicts[kind] = make(map[string]uint32)
	}
	m.dicts[kind][tok] = id
	return nil
}

func (m *memDict) DeleteDictEntry(kind, tok string) error {
	delete(m.dicts[kind], tok)
	return nil
}

func (m *memDict) ReadCounter(key string) (uint64, error) {
	return m.counters[key], nil
}

func (m *memDict) WriteCounter(key string, value uint64) error {
	m.counters[key] = value
	return nil
}

func resolve(t *testing.T, r *Registry, d store.Dict, tok string) uint32 {
	id, apply, err := r.ResolveToken(d, tok)
	require.NoError(t, err)
	if apply != nil {
		apply()
	}
	return id
}

func TestRegistry_Resolve(t *testing.T) {
	d := newMemDict()
	r := New(store.DictAffinity, DefaultOptions())
	a := resolve(t, r, d, "a")
	b := resolve(t, r, d, "b")
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)
	assert.Equal(t, a, resolve(t, r, d, "a"))
	assert.Equal(t, a, r.GetIDByToken("a"))
	tok, ok := r.GetTokenByID(b)
	assert.True(t, ok)
	assert.Equal(t, "b", tok)
	assert.Equal(t, map[string]uint32{"a": 1, "b": 2}, d.dicts[store.DictAffinity])
	assert.Equal(t, uint64(2), d.counters["affinity_id"])

	id, apply, err := r.ResolveToken(d, "")
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Nil(t, apply)
}

func TestRegistry_ResolveUncommitted(t *testing.T) {
	d := newMemDict()
	r := New(store.DictGroup, DefaultOptions())
	// First attempt is rolled back, apply never runs.
	id1, _, err := r.ResolveToken(d, "g")
	require.NoError(t, err)
	assert.Zero(t, r.GetIDByToken("g"))
	// Retrying reuses the reservation.
	id2, apply, err := r.ResolveToken(d, "g")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	apply()
	assert.Equal(t, id1, r.GetIDByToken("g"))
	// IDs are never reused.
	assert.Equal(t, id1+1, resolve(t, r, d, "h"))
}

func TestRegistry_Load(t *testing.T) {
	d := newMemDict()
	r := New(store.DictAffinity, DefaultOptions())
	resolve(t, r, d, "a")
	resolve(t, r, d, "b")

	r2 := New(store.DictAffinity, DefaultOptions())
	require.NoError(t, r2.Load(d))
	assert.Equal(t, 2, r2.Count())
	assert.Equal(t, uint32(2), r2.GetIDByToken("b"))
	assert.Equal(t, uint32(3), resolve(t, r2, d, "c"))
	assert.Equal(t, []Entry{{ID: 1, Token: "a"}, {ID: 2, Token: "b"}, {ID: 3, Token: "c"}}, r2.List())
}

func TestRegistry_Jobs(t *testing.T) {
	d := newMemDict()
	r := New(store.DictAffinity, DefaultOptions())
	a := resolve(t, r, d, "a")
	r.AddJob(a, 10)
	r.AddJobs(a, 20, 22)
	assert.Equal(t, []uint32{10, 20, 21, 22}, r.GetJobs(a).ToArray())
	assert.True(t, r.HasJobs(a))
	r.RemoveJob(a, 10)
	r.RemoveJob(a, 20)
	r.RemoveJob(a, 21)
	r.RemoveJob(a, 22)
	assert.False(t, r.HasJobs(a))
	// Unknown IDs are ignored.
	r.AddJob(99, 1)
	assert.True(t, r.GetJobs(99).IsEmpty())
}

func TestRegistry_GCLimit(t *testing.T) {
	d := newMemDict()
	opts := Options{
		MaxEntries:         10,
		HighMarkPercentage: 80,
		LowMarkPercentage:  30,
		DirtPercentage:     50,
		HighRemoval:        5,
		LowRemoval:         1,
	}
	r := New(store.DictAffinity, opts)
	assert.Zero(t, r.GCLimit())
	for _, tok := range []string{"a", "b", "c", "d"} {
		r.AddJob(resolve(t, r, d, tok), 1)
	}
	// 4 entries above the low mark, no candidates.
	assert.Zero(t, r.GCLimit())
	r.RemoveJob(1, 1)
	r.RemoveJob(2, 1)
	// 2 of 4 entries are candidates.
	assert.Equal(t, 1, r.GCLimit())
	for _, tok := range []string{"e", "f", "g", "h", "i"} {
		r.AddJob(resolve(t, r, d, tok), 1)
	}
	assert.Equal(t, 5, r.GCLimit())
}

func TestRegistry_CollectGarbage(t *testing.T) {
	d := newMemDict()
	opts := DefaultOptions()
	opts.HighMarkPercentage = 0
	r := New(store.DictAffinity, opts)
	x := resolve(t, r, d, "X")
	y := resolve(t, r, d, "Y")
	z := resolve(t, r, d, "Z")
	r.AddJob(x, 1)
	r.AddJob(y, 2)
	r.RemoveJob(x, 1)

	limit := r.GCLimit()
	assert.Equal(t, opts.HighRemoval, limit)
	n, apply, err := r.CollectGarbage(d, limit, func(id uint32) bool {
		return id != z
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// Not applied yet.
	assert.Equal(t, x, r.GetIDByToken("X"))
	apply()
	assert.Zero(t, r.GetIDByToken("X"))
	assert.Equal(t, y, r.GetIDByToken("Y"))
	assert.Equal(t, z, r.GetIDByToken("Z"))
	assert.NotContains(t, d.dicts[store.DictAffinity], "X")

	// Vetoed entries leave the candidate list until marked again.
	n, _, err = r.CollectGarbage(d, limit, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	r.MarkCandidate(z)
	n, apply, err = r.CollectGarbage(d, limit, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	apply()
	assert.Equal(t, 1, r.Count())
}
