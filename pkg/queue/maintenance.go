package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/gc"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
	"go.uber.org/zap"
)

// CheckExecutionTimeout reclaims jobs whose run or read lease expired.
// Returns the number of reclaimed jobs.
func (q *Queue) CheckExecutionTimeout(ctx context.Context) (int, error) {
	now := q.Now()
	q.mu.Lock()
	expired := q.timeline.ExtractExpired(now.Unix())
	q.mu.Unlock()
	if expired.IsEmpty() {
		return 0, nil
	}
	n := 0
	err := q.forEachBatch(ctx, expired, func(tx store.Tx, p *post, jobID uint32) error {
		st := q.status.GetStatus(jobID)
		if !st.Leased() {
			return nil
		}
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		deadline := job.LeaseDeadline(q.timeouts())
		if deadline.IsZero() {
			return nil
		}
		if deadline.After(now) {
			// Lease was extended after the slot was scheduled.
			p.commit(func() { q.timeline.Add(jobID, ceilSecond(deadline)) })
			return nil
		}
		var ev jobs.Event
		if st == jobs.Running {
			owner := q.clients.RunningOwner(jobID)
			ev = jobs.Event{Status: q.runFailStatus(job, false), Kind: jobs.EventTimeout, ClientID: owner, Node: q.clients.Node(owner)}
			if ev.Status == jobs.Failed {
				p.count(counterFailed, 1)
			}
			p.commit(func() { q.clients.ClearExecutingSetBlacklist(jobID, q.Options.BlacklistTime) })
		} else {
			owner := q.clients.ReadingOwner(jobID)
			ev = jobs.Event{Status: q.readFailStatus(job, false), Kind: jobs.EventReadTimeout, ClientID: owner, Node: q.clients.Node(owner)}
			p.commit(func() { q.clients.ClearReadingSetBlacklist(jobID, q.Options.ReadBlacklistTime) })
		}
		ev.Timestamp = now
		p.count(counterTimeouts, 1)
		p.commit(func() { n++ })
		q.Log.Info("Lease expired",
			zap.Uint32("job.id", jobID),
			zap.Stringer("job.status", st),
			zap.Stringer("job.status_next", ev.Status),
			zap.String("client.node", ev.Node))
		return q.transition(tx, p, job, ev)
	})
	if err != nil {
		// Unprocessed jobs stay leased until the next attempt.
		q.mu.Lock()
		q.rescheduleExpired(expired)
		q.mu.Unlock()
	}
	return n, err
}

// rescheduleExpired puts still-leased jobs back on the timeline.
func (q *Queue) rescheduleExpired(ids *roaring.Bitmap) {
	next := q.Now().Unix() + 1
	it := ids.Iterator()
	for it.HasNext() {
		jobID := it.Next()
		if q.status.GetStatus(jobID).Leased() && !q.timeline.Contains(jobID) {
			q.timeline.Add(jobID, next)
		}
	}
}

// PurgeStats counts what a purge removed.
type PurgeStats struct {
	Jobs       int `json:"jobs"`
	Affinities int `json:"affinities"`
	Groups     int `json:"groups"`
}

var purgeableStatuses = []jobs.Status{
	jobs.Pending, jobs.Done, jobs.Failed, jobs.Canceled, jobs.Confirmed, jobs.ReadFailed,
}

// Purge deletes expired jobs and unreferenced affinities and groups.
// Leased jobs are never purged.
func (q *Queue) Purge(ctx context.Context) (PurgeStats, error) {
	var stats PurgeStats
	now := q.Now()
	expired := roaring.BitmapOf(q.gc.Expired(q.status.GetJobs(purgeableStatuses...), now, 0)...)
	err := q.forEachBatch(ctx, expired, func(tx store.Tx, p *post, jobID uint32) error {
		st := q.status.GetStatus(jobID)
		if st == jobs.NotFound || st.Leased() {
			return nil
		}
		if exp, ok := q.gc.GetLifetime(jobID); !ok || now.Before(exp) {
			return nil
		}
		if err := tx.DeleteJob(jobID); err != nil {
			return fmt.Errorf("failed to delete job %d: %w", jobID, err)
		}
		p.commit(func() {
			rec, ok := q.gc.DeleteIfTimedOut(jobID, now)
			if !ok {
				q.Log.Warn("Purged job lifetime changed", zap.Uint32("job.id", jobID))
				rec = q.dropRecord(jobID)
			}
			q.forget(jobID, rec)
			stats.Jobs++
		})
		p.count(counterPurged, 1)
		return nil
	})
	if err != nil {
		return stats, err
	}
	err = q.update(ctx, func(tx store.Tx, p *post) error {
		n, apply, err := q.affinities.CollectGarbage(tx)
		if err != nil {
			return fmt.Errorf("failed to collect affinities: %w", err)
		}
		if apply != nil {
			p.commit(apply)
		}
		m, apply, err := q.groups.CollectGarbage(tx)
		if err != nil {
			return fmt.Errorf("failed to collect groups: %w", err)
		}
		if apply != nil {
			p.commit(apply)
		}
		p.commit(func() { stats.Affinities, stats.Groups = n, m })
		return nil
	})
	if stats != (PurgeStats{}) {
		q.Log.Info("Purged queue",
			zap.Int("purge.jobs", stats.Jobs),
			zap.Int("purge.affinities", stats.Affinities),
			zap.Int("purge.groups", stats.Groups))
	}
	return stats, err
}

// forget drops a deleted job from the indexes its lifetime record pointed at.
func (q *Queue) forget(jobID uint32, rec gc.Record) {
	q.status.Erase(jobID)
	q.affinities.RemoveJob(rec.AffinityID, jobID)
	q.groups.RemoveJobFromGroup(rec.GroupID, jobID)
	q.timeline.Remove(jobID)
	q.clients.ClearExecuting(jobID)
	q.clients.ClearReading(jobID)
}

// dropRecord removes the lifetime record of a job and returns it.
func (q *Queue) dropRecord(jobID uint32) gc.Record {
	rec, _ := q.gc.Get(jobID)
	q.gc.Delete(jobID)
	return rec
}

// PurgeClients removes inactive clients and resets stale preferences.
// Returns the number of removed clients.
func (q *Queue) PurgeClients() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	purged := q.clients.Purge()
	for _, c := range purged {
		q.affinities.RemoveClientFromAffinities(c.ID, c.Affinities)
		q.listeners.UnregisterPort(c.ID, 0)
	}
	stale := q.clients.ResetStalePreferences(q.Options.WNodeTimeout)
	for _, c := range stale {
		q.affinities.RemoveClientFromAffinities(c.ID, c.Affinities)
	}
	readers := q.clients.ResetStaleReadBlacklists(q.Options.ReaderTimeout)
	if len(purged) > 0 || len(stale) > 0 || readers > 0 {
		q.Log.Info("Purged clients",
			zap.Int("clients.purged", len(purged)),
			zap.Int("clients.prefs_reset", len(stale)),
			zap.Int("clients.read_blacklists_reset", readers))
	}
	return len(purged)
}

// NotifyPeriodically runs one tick of the listener sweep.
func (q *Queue) NotifyPeriodically(ctx context.Context) int {
	return q.listeners.NotifyPeriodically(ctx, q.Now())
}

// CheckWaitTimeouts drops listeners past their deadline.
func (q *Queue) CheckWaitTimeouts() int {
	expired := q.listeners.CheckTimeout(q.Now())
	for _, l := range expired {
		q.clients.ResetWaiting(l.ClientID, waitKindOf(l.Kind))
	}
	return len(expired)
}

// Truncate deletes all jobs.
func (q *Queue) Truncate(ctx context.Context) error {
	all := q.status.GetJobs()
	q.Log.Warn("Truncating queue", zap.Uint64("queue.jobs", all.GetCardinality()))
	return q.forEachBatch(ctx, all, func(tx store.Tx, p *post, jobID uint32) error {
		if q.status.GetStatus(jobID) == jobs.NotFound {
			return nil
		}
		if err := tx.DeleteJob(jobID); err != nil {
			return fmt.Errorf("failed to delete job %d: %w", jobID, err)
		}
		p.commit(func() { q.forget(jobID, q.dropRecord(jobID)) })
		return nil
	})
}

// NextTimeout returns when the next lease expires.
func (q *Queue) NextTimeout() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sec, ok := q.timeline.Next()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}
