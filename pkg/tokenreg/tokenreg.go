// Package tokenreg maps opaque tokens (affinities, groups) to dense numeric IDs
// and tracks the jobs referencing each ID.
package tokenreg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/store"
)

// Options control garbage collection of unreferenced entries.
type Options struct {
	MaxEntries         uint32
	HighMarkPercentage uint32
	LowMarkPercentage  uint32
	DirtPercentage     uint32
	HighRemoval        int
	LowRemoval         int
}

// DefaultOptions returns the default GC policy.
func DefaultOptions() Options {
	return Options{
		MaxEntries:         10000,
		HighMarkPercentage: 90,
		LowMarkPercentage:  50,
		DirtPercentage:     20,
		HighRemoval:        1000,
		LowRemoval:         100,
	}
}

type entry struct {
	token string
	jobs  *roaring.Bitmap
}

// Entry describes a registered token.
type Entry struct {
	ID    uint32 `json:"id"`
	Token string `json:"token"`
	Jobs  uint64 `json:"jobs"`
}

// Registry is a token dictionary backed by a store.Dict.
//
// Registry is safe for concurrent use.
// Persisted changes become visible in memory only once the returned apply funcs run,
// which callers do after their transaction commits.
type Registry struct {
	Kind string // dictionary kind in the store
	Options

	mu         sync.RWMutex
	byToken    map[string]uint32
	byID       map[uint32]*entry
	reserved   map[string]uint32
	candidates *roaring.Bitmap
	lastID     uint32
}

// New creates an empty registry.
func New(kind string, opts Options) *Registry {
	return &Registry{
		Kind:       kind,
		Options:    opts,
		byToken:    make(map[string]uint32),
		byID:       make(map[uint32]*entry),
		reserved:   make(map[string]uint32),
		candidates: roaring.New(),
	}
}

func (r *Registry) counterKey() string {
	return r.Kind + "_id"
}

// Load replaces the registry contents with the persisted dictionary.
// Job references must be re-added afterwards.
func (r *Registry) Load(d store.Dict) error {
	dict, err := d.LoadDict(r.Kind)
	if err != nil {
		return fmt.Errorf("failed to load %s dictionary: %w", r.Kind, err)
	}
	last, err := d.ReadCounter(r.counterKey())
	if err != nil {
		return fmt.Errorf("failed to read %s counter: %w", r.Kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken = make(map[string]uint32, len(dict))
	r.byID = make(map[uint32]*entry, len(dict))
	r.reserved = make(map[string]uint32)
	r.candidates = roaring.New()
	r.lastID = uint32(last)
	for tok, id := range dict {
		r.byToken[tok] = id
		r.byID[id] = &entry{token: tok, jobs: roaring.New()}
		r.candidates.Add(id)
		if id > r.lastID {
			r.lastID = id
		}
	}
	return nil
}

// Clear forgets all entries but keeps the ID sequence.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken = make(map[string]uint32)
	r.byID = make(map[uint32]*entry)
	r.reserved = make(map[string]uint32)
	r.candidates.Clear()
}

// ResolveToken returns the ID of a token, creating it on first use.
//
// New entries are written to d. The returned apply func is non-nil
// for new entries and must be called after d commits.
func (r *Registry) ResolveToken(d store.Dict, tok string) (uint32, func(), error) {
	if tok == "" {
		return 0, nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byToken[tok]; ok {
		return id, nil, nil
	}
	id, ok := r.reserved[tok]
	if !ok {
		r.lastID++
		id = r.lastID
		r.reserved[tok] = id
	}
	if err := d.WriteCounter(r.counterKey(), uint64(r.lastID)); err != nil {
		return 0, nil, fmt.Errorf("failed to write %s counter: %w", r.Kind, err)
	}
	if err := d.PutDictEntry(r.Kind, tok, id); err != nil {
		return 0, nil, fmt.Errorf("failed to store %s %q: %w", r.Kind, tok, err)
	}
	return id, func() { r.insert(tok, id) }, nil
}

func (r *Registry) insert(tok string, id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, tok)
	if _, ok := r.byToken[tok]; ok {
		return
	}
	r.byToken[tok] = id
	r.byID[id] = &entry{token: tok, jobs: roaring.New()}
	r.candidates.Add(id)
}

// GetIDByToken returns the ID of a token, or 0 if unknown.
func (r *Registry) GetIDByToken(tok string) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byToken[tok]
}

// GetTokenByID returns the token of an ID.
func (r *Registry) GetTokenByID(id uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return e.token, true
}

// Contains checks whether an ID is registered.
func (r *Registry) Contains(id uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// AddJob references an ID from a job.
func (r *Registry) AddJob(id, jobID uint32) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.jobs.Add(jobID)
		r.candidates.Remove(id)
	}
}

// AddJobs references an ID from a range of jobs [first, last].
func (r *Registry) AddJobs(id, first, last uint32) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.jobs.AddRange(uint64(first), uint64(last)+1)
		r.candidates.Remove(id)
	}
}

// RemoveJob drops a job reference.
// Entries losing their last job become removal candidates.
func (r *Registry) RemoveJob(id, jobID uint32) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.jobs.Remove(jobID)
		if e.jobs.IsEmpty() {
			r.candidates.Add(id)
		}
	}
}

// MarkCandidate flags an entry for the next GC pass.
func (r *Registry) MarkCandidate(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		r.candidates.Add(id)
	}
}

// GetJobs returns a copy of the jobs referencing an ID.
func (r *Registry) GetJobs(id uint32) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byID[id]; ok {
		return e.jobs.Clone()
	}
	return roaring.New()
}

// GetJobsUnion returns all jobs referencing any of the IDs.
func (r *Registry) GetJobsUnion(ids *roaring.Bitmap) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := roaring.New()
	it := ids.Iterator()
	for it.HasNext() {
		if e, ok := r.byID[it.Next()]; ok {
			out.Or(e.jobs)
		}
	}
	return out
}

// HasJobs checks whether any job references the ID.
func (r *Registry) HasJobs(id uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return ok && !e.jobs.IsEmpty()
}

// Count returns the number of entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IDs returns the set of registered IDs.
func (r *Registry) IDs() *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := roaring.New()
	for id := range r.byID {
		out.Add(id)
	}
	return out
}

// List returns all entries ordered by ID.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byID))
	for id, e := range r.byID {
		out = append(out, Entry{ID: id, Token: e.token, Jobs: e.jobs.GetCardinality()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GCLimit returns how many entries the next GC pass may remove.
// Zero means the registry is clean enough to skip the pass.
func (r *Registry) GCLimit() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := uint64(len(r.byID))
	if count == 0 {
		return 0
	}
	high := uint64(r.MaxEntries) * uint64(r.HighMarkPercentage) / 100
	low := uint64(r.MaxEntries) * uint64(r.LowMarkPercentage) / 100
	if count > high {
		return r.HighRemoval
	}
	dirt := r.candidates.GetCardinality()
	if count > low && dirt*100 >= count*uint64(r.DirtPercentage) {
		return r.LowRemoval
	}
	return 0
}

// CollectGarbage removes up to limit unreferenced candidates from d.
//
// removable may veto entries that are referenced elsewhere.
// The returned apply func drops the entries from memory after d commits.
func (r *Registry) CollectGarbage(d store.Dict, limit int, removable func(id uint32) bool) (int, func(), error) {
	if limit <= 0 {
		return 0, nil, nil
	}
	r.mu.Lock()
	var victims []uint32
	var stale []uint32
	it := r.candidates.Iterator()
	for it.HasNext() && len(victims) < limit {
		id := it.Next()
		e, ok := r.byID[id]
		if !ok || !e.jobs.IsEmpty() {
			stale = append(stale, id)
			continue
		}
		if removable != nil && !removable(id) {
			stale = append(stale, id)
			continue
		}
		victims = append(victims, id)
	}
	for _, id := range stale {
		r.candidates.Remove(id)
	}
	tokens := make([]string, len(victims))
	for i, id := range victims {
		tokens[i] = r.byID[id].token
	}
	r.mu.Unlock()

	for _, tok := range tokens {
		if err := d.DeleteDictEntry(r.Kind, tok); err != nil {
			return 0, nil, fmt.Errorf("failed to delete %s %q: %w", r.Kind, tok, err)
		}
	}
	apply := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, id := range victims {
			delete(r.byID, id)
			delete(r.byToken, tokens[i])
			r.candidates.Remove(id)
		}
	}
	return len(victims), apply, nil
}
