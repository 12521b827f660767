// Package timeline orders leased jobs by the second their lease expires.
package timeline

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Timeline holds job IDs in slots keyed by unix second.
//
// A job is in at most one slot.
// Timeline is safe for concurrent use.
type Timeline struct {
	mu    sync.Mutex
	slots map[int64]*roaring.Bitmap
	keys  []int64 // sorted slot keys
	index map[uint32]int64
}

// New creates an empty timeline.
func New() *Timeline {
	return &Timeline{
		slots: make(map[int64]*roaring.Bitmap),
		index: make(map[uint32]int64),
	}
}

// Add schedules a job at a second, moving it if already present.
func (t *Timeline) Add(jobID uint32, second int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(jobID, second)
}

func (t *Timeline) add(jobID uint32, second int64) {
	t.remove(jobID)
	slot, ok := t.slots[second]
	if !ok {
		slot = roaring.New()
		t.slots[second] = slot
		i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= second })
		t.keys = append(t.keys, 0)
		copy(t.keys[i+1:], t.keys[i:])
		t.keys[i] = second
	}
	slot.Add(jobID)
	t.index[jobID] = second
}

// Move reschedules a job found at oldSecond to newSecond.
// It reports false, leaving the timeline untouched, if the job is not at oldSecond.
func (t *Timeline) Move(oldSecond, newSecond int64, jobID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.index[jobID]; !ok || cur != oldSecond {
		return false
	}
	if oldSecond != newSecond {
		t.add(jobID, newSecond)
	}
	return true
}

// Remove unschedules a job.
func (t *Timeline) Remove(jobID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(jobID)
}

func (t *Timeline) remove(jobID uint32) {
	second, ok := t.index[jobID]
	if !ok {
		return
	}
	delete(t.index, jobID)
	slot := t.slots[second]
	slot.Remove(jobID)
	if slot.IsEmpty() {
		delete(t.slots, second)
		i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= second })
		if i < len(t.keys) && t.keys[i] == second {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
		}
	}
}

// ExtractExpired removes and returns all jobs scheduled at or before now.
func (t *Timeline) ExtractExpired(now int64) *roaring.Bitmap {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := roaring.New()
	n := 0
	for n < len(t.keys) && t.keys[n] <= now {
		slot := t.slots[t.keys[n]]
		out.Or(slot)
		delete(t.slots, t.keys[n])
		n++
	}
	t.keys = t.keys[n:]
	it := out.Iterator()
	for it.HasNext() {
		delete(t.index, it.Next())
	}
	return out
}

// Next returns the earliest scheduled second.
func (t *Timeline) Next() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.keys) == 0 {
		return 0, false
	}
	return t.keys[0], true
}

// Contains checks whether a job is scheduled.
func (t *Timeline) Contains(jobID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[jobID]
	return ok
}

// Second returns when a job is scheduled.
func (t *Timeline) Second(jobID uint32) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.index[jobID]
	return s, ok
}

// Len returns the number of scheduled jobs.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// Clear unschedules all jobs.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = make(map[int64]*roaring.Bitmap)
	t.keys = nil
	t.index = make(map[uint32]int64)
}
