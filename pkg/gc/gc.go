// Package gc tracks job lifetimes for the purge driver.
package gc

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Record is the lifetime of one job.
//
// Affinity and group are copied so that purges can update those registries
// without fetching the job.
type Record struct {
	Created    time.Time
	Expiration time.Time
	AffinityID uint32
	GroupID    uint32
}

// Registry maps job IDs to lifetimes.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[uint32]Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[uint32]Record)}
}

// RegisterJob starts tracking a job.
func (r *Registry) RegisterJob(jobID uint32, created time.Time, affID, groupID uint32, expiration time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[jobID] = Record{
		Created:    created,
		Expiration: expiration,
		AffinityID: affID,
		GroupID:    groupID,
	}
}

// UpdateLifetime moves the expiration of a tracked job.
func (r *Registry) UpdateLifetime(jobID uint32, expiration time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[jobID]; ok {
		rec.Expiration = expiration
		r.records[jobID] = rec
	}
}

// UpdateAffinity changes the affinity copy of a tracked job.
func (r *Registry) UpdateAffinity(jobID, affID, groupID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[jobID]; ok {
		rec.AffinityID = affID
		rec.GroupID = groupID
		r.records[jobID] = rec
	}
}

// Get returns the full record of a job.
func (r *Registry) Get(jobID uint32) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[jobID]
	return rec, ok
}

// GetLifetime returns the expiration of a job.
func (r *Registry) GetLifetime(jobID uint32) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[jobID]
	return rec.Expiration, ok
}

// IsOutdatedJob reports whether a job was created more than maxWait ago.
func (r *Registry) IsOutdatedJob(jobID uint32, now time.Time, maxWait time.Duration) bool {
	if maxWait <= 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[jobID]
	return ok && rec.Created.Add(maxWait).Before(now)
}

// DeleteIfTimedOut forgets an expired job and returns its record.
func (r *Registry) DeleteIfTimedOut(jobID uint32, now time.Time) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jobID]
	if !ok || now.Before(rec.Expiration) {
		return Record{}, false
	}
	delete(r.records, jobID)
	return rec, true
}

// Delete forgets a job.
func (r *Registry) Delete(jobID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, jobID)
}

// GetAffinityID returns the affinity copy of a job.
func (r *Registry) GetAffinityID(jobID uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[jobID].AffinityID
}

// GetGroupID returns the group copy of a job.
func (r *Registry) GetGroupID(jobID uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[jobID].GroupID
}

// Expired returns up to limit jobs out of candidates that expired at now.
func (r *Registry) Expired(candidates *roaring.Bitmap, now time.Time, limit int) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint32
	it := candidates.Iterator()
	for it.HasNext() && (limit <= 0 || len(out) < limit) {
		jobID := it.Next()
		if rec, ok := r.records[jobID]; ok && !now.Before(rec.Expiration) {
			out = append(out, jobID)
		}
	}
	return out
}

// Count returns the number of tracked jobs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear forgets all jobs.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[uint32]Record)
}
