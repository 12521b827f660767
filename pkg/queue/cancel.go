package queue

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
	"go.uber.org/zap"
)

// Cancel moves a job to Canceled, releasing its lease.
// Canceling a canceled job changes nothing.
func (q *Queue) Cancel(ctx context.Context, ident clients.Identity, jobID uint32) (Outcome, error) {
	touched, err := q.touch(ctx, ident, clients.RoleSubmitter)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err = q.update(ctx, func(tx store.Tx, p *post) error {
		var err error
		out, err = q.cancelJob(tx, p, jobID, q.event(ident, touched.ID, jobs.Canceled, jobs.EventCancel))
		return err
	})
	return out, err
}

func (q *Queue) cancelJob(tx store.Tx, p *post, jobID uint32, ev jobs.Event) (Outcome, error) {
	job, err := q.fetchJob(tx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	prev := job.Status
	if !prev.Cancelable() {
		return ignored(prev, "job is already canceled"), nil
	}
	switch prev {
	case jobs.Running:
		p.commit(func() { q.clients.ClearExecuting(jobID) })
	case jobs.Reading:
		p.commit(func() { q.clients.ClearReading(jobID) })
	}
	p.count(counterCanceled, 1)
	if err := q.transition(tx, p, job, ev); err != nil {
		return Outcome{}, err
	}
	return applied(prev, jobs.Canceled), nil
}

// CancelAll cancels every job of the queue. Returns the number of canceled jobs.
func (q *Queue) CancelAll(ctx context.Context, ident clients.Identity) (int, error) {
	return q.CancelSelected(ctx, ident, "", "", nil)
}

// CancelSelected cancels jobs matching all given filters.
// Empty tokens and an empty status list match everything.
func (q *Queue) CancelSelected(ctx context.Context, ident clients.Identity, group, affinity string, statuses []jobs.Status) (int, error) {
	selected, err := q.selectJobs(group, affinity, statuses)
	if err != nil {
		return 0, err
	}
	touched, err := q.touch(ctx, ident, clients.RoleAdmin)
	if err != nil {
		return 0, err
	}
	n := 0
	err = q.forEachBatch(ctx, selected, func(tx store.Tx, p *post, jobID uint32) error {
		if !q.status.GetStatus(jobID).Cancelable() {
			return nil
		}
		out, err := q.cancelJob(tx, p, jobID, q.event(ident, touched.ID, jobs.Canceled, jobs.EventCancel))
		if err != nil {
			return err
		}
		if out.Applied {
			p.commit(func() { n++ })
		}
		return nil
	})
	q.Log.Info("Canceled jobs",
		zap.Int("job.count", n),
		zap.String("job.group", group),
		zap.String("job.affinity", affinity))
	return n, err
}

// selectJobs resolves job filters to a set of IDs.
func (q *Queue) selectJobs(group, affinity string, statuses []jobs.Status) (*roaring.Bitmap, error) {
	selected := q.status.GetJobs(statuses...)
	if group != "" {
		groupID := q.groups.GetIDByToken(group)
		if groupID == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
		}
		selected.And(q.groups.GetJobsInGroup(groupID))
	}
	if affinity != "" {
		affID := q.affinities.GetIDByToken(affinity)
		if affID == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAffinity, affinity)
		}
		selected.And(q.affinities.GetJobs(affID))
	}
	return selected, nil
}
