// Package status keeps the in-memory index of job IDs by status.
package status

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/jobs"
)

// OutdatedChecker decides whether a pending job waited too long.
type OutdatedChecker interface {
	IsOutdatedJob(jobID uint32, now time.Time, maxWait time.Duration) bool
}

// Tracker holds one ID set per status.
// Every tracked job is in exactly one set.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu   sync.RWMutex
	sets map[jobs.Status]*roaring.Bitmap
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{sets: make(map[jobs.Status]*roaring.Bitmap, len(jobs.Statuses))}
	for _, s := range jobs.Statuses {
		t.sets[s] = roaring.New()
	}
	return t
}

// SetStatus moves a job to a status, removing it from any other set.
func (t *Tracker) SetStatus(jobID uint32, status jobs.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, set := range t.sets {
		if s != status {
			set.Remove(jobID)
		}
	}
	if set, ok := t.sets[status]; ok {
		set.Add(jobID)
	}
}

// AddPendingBatch registers a range of freshly submitted jobs [first, last].
func (t *Tracker) AddPendingBatch(first, last uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sets[jobs.Pending].AddRange(uint64(first), uint64(last)+1)
}

// Erase forgets a job.
func (t *Tracker) Erase(jobID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.sets {
		set.Remove(jobID)
	}
}

// Clear forgets all jobs.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.sets {
		set.Clear()
	}
}

// GetStatus returns the status of a job, or jobs.NotFound.
func (t *Tracker) GetStatus(jobID uint32) jobs.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for s, set := range t.sets {
		if set.Contains(jobID) {
			return s
		}
	}
	return jobs.NotFound
}

// GetJobs returns a copy of the union of the given status sets.
// No statuses selects all jobs.
func (t *Tracker) GetJobs(statuses ...jobs.Status) *roaring.Bitmap {
	if len(statuses) == 0 {
		statuses = jobs.Statuses
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	sets := make([]*roaring.Bitmap, 0, len(statuses))
	for _, s := range statuses {
		if set, ok := t.sets[s]; ok {
			sets = append(sets, set)
		}
	}
	return roaring.FastOr(sets...)
}

// Count returns the number of jobs in a status.
func (t *Tracker) Count(status jobs.Status) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.sets[status]
	if !ok {
		return 0
	}
	return set.GetCardinality()
}

// CountAll returns the number of tracked jobs.
func (t *Tracker) CountAll() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n uint64
	for _, set := range t.sets {
		n += set.GetCardinality()
	}
	return n
}

// AnyJobs returns whether any job is in one of the given statuses.
func (t *Tracker) AnyJobs(statuses ...jobs.Status) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range statuses {
		if set, ok := t.sets[s]; ok && !set.IsEmpty() {
			return true
		}
	}
	return false
}

// GetJobByStatus picks the lowest job ID in the given statuses
// that is not in exclude and, if restrict is not nil, is in restrict.
// Returns 0 if no job qualifies.
func (t *Tracker) GetJobByStatus(statuses []jobs.Status, exclude, restrict *roaring.Bitmap) uint32 {
	candidates := t.GetJobs(statuses...)
	if restrict != nil {
		candidates.And(restrict)
	}
	if exclude != nil {
		candidates.AndNot(exclude)
	}
	if candidates.IsEmpty() {
		return 0
	}
	return candidates.Minimum()
}

// GetOutdatedPendingJobs returns pending jobs that waited longer than maxWait.
func (t *Tracker) GetOutdatedPendingJobs(now time.Time, maxWait time.Duration, checker OutdatedChecker) *roaring.Bitmap {
	outdated := roaring.New()
	if maxWait <= 0 {
		return outdated
	}
	pending := t.GetJobs(jobs.Pending)
	it := pending.Iterator()
	for it.HasNext() {
		id := it.Next()
		if checker.IsOutdatedJob(id, now, maxWait) {
			outdated.Add(id)
		}
	}
	return outdated
}
