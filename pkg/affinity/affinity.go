// Package affinity tracks affinity tokens, the jobs carrying them
// and the clients preferring them.
package affinity

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/store"
	"go.od2.network/nqueue/pkg/tokenreg"
)

// Registry is the affinity dictionary.
//
// An affinity is removable only when neither jobs nor clients reference it.
type Registry struct {
	*tokenreg.Registry

	mu      sync.RWMutex
	clients map[uint32]*roaring.Bitmap // affinity ID -> client IDs
}

// NewRegistry creates an empty affinity registry.
func NewRegistry(opts tokenreg.Options) *Registry {
	return &Registry{
		Registry: tokenreg.New(store.DictAffinity, opts),
		clients:  make(map[uint32]*roaring.Bitmap),
	}
}

// AddClientToAffinity records that a client prefers an affinity.
func (r *Registry) AddClientToAffinity(clientID, affID uint32) {
	if affID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.clients[affID]
	if !ok {
		set = roaring.New()
		r.clients[affID] = set
	}
	set.Add(clientID)
}

// RemoveClientFromAffinities drops a client's preference for the given affinities.
func (r *Registry) RemoveClientFromAffinities(clientID uint32, affIDs *roaring.Bitmap) {
	if affIDs == nil {
		return
	}
	var emptied []uint32
	r.mu.Lock()
	it := affIDs.Iterator()
	for it.HasNext() {
		affID := it.Next()
		set, ok := r.clients[affID]
		if !ok {
			continue
		}
		set.Remove(clientID)
		if set.IsEmpty() {
			delete(r.clients, affID)
			emptied = append(emptied, affID)
		}
	}
	r.mu.Unlock()
	for _, affID := range emptied {
		if !r.HasJobs(affID) {
			r.MarkCandidate(affID)
		}
	}
}

// GetClientsWithAffinity returns the clients preferring an affinity.
func (r *Registry) GetClientsWithAffinity(affID uint32) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set, ok := r.clients[affID]; ok {
		return set.Clone()
	}
	return roaring.New()
}

// GetPreferredAffinities returns the affinities preferred by any client,
// optionally ignoring one client.
func (r *Registry) GetPreferredAffinities(exceptClient uint32) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := roaring.New()
	for affID, set := range r.clients {
		if exceptClient != 0 && set.GetCardinality() == 1 && set.Contains(exceptClient) {
			continue
		}
		out.Add(affID)
	}
	return out
}

// HasClients checks whether any client prefers the affinity.
func (r *Registry) HasClients(affID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.clients[affID]
	return ok && !set.IsEmpty()
}

// Removable reports whether GC may delete the affinity.
func (r *Registry) Removable(affID uint32) bool {
	return !r.HasClients(affID) && !r.HasJobs(affID)
}

// CollectGarbage removes unreferenced affinities following the GC policy.
func (r *Registry) CollectGarbage(d store.Dict) (int, func(), error) {
	return r.Registry.CollectGarbage(d, r.GCLimit(), func(affID uint32) bool {
		return !r.HasClients(affID)
	})
}

// Clear forgets all affinities and preferences.
func (r *Registry) Clear() {
	r.Registry.Clear()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[uint32]*roaring.Bitmap)
}
