package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/store"
	"go.uber.org/zap"
)

// GetRequest are the parameters of a worker asking for a job.
type GetRequest struct {
	Port    uint16        // wait port, zero disables waiting
	Timeout time.Duration // wait timeout, zero disables waiting
	// Affinity filters, tried in order.
	Affinities    []string
	WNodeAffinity bool // jobs with the worker's preferred affinities
	ExclusiveNew  bool // jobs with affinities nobody prefers, claimed for the worker
	AnyAffinity   bool
	Group         string
}

// ReadRequest are the parameters of a reader asking for a finished job.
type ReadRequest struct {
	Port        uint16
	Timeout     time.Duration
	Affinities  []string
	AnyAffinity bool
	Group       string
}

// GetResult is the answer to a Get or Read.
// Job is nil when nothing matched.
type GetResult struct {
	Job       *jobs.Job
	AuthToken string
	// Waiting is set when a listener was registered.
	Waiting bool
	// PrefAffinitiesReset is set when the worker's preferences were dropped
	// since its last request.
	PrefAffinitiesReset bool
}

// filter is a resolved job request.
type filter struct {
	clientID     uint32
	affinities   *roaring.Bitmap
	wnode        bool
	exclusiveNew bool
	any          bool
	groupID      uint32
}

func (f *filter) noFilters() bool {
	return f.affinities.IsEmpty() && !f.wnode && !f.exclusiveNew && !f.any
}

func (f *filter) listener(ident clients.Identity, kind notify.Kind, port uint16, deadline time.Time) notify.Listener {
	return notify.Listener{
		ClientID:      f.clientID,
		Node:          ident.Node,
		Addr:          ident.Addr,
		Port:          port,
		Kind:          kind,
		Deadline:      deadline,
		Affinities:    f.affinities,
		WNodeAffinity: f.wnode,
		ExclusiveNew:  f.exclusiveNew,
		AnyAffinity:   f.any,
		GroupID:       f.groupID,
	}
}

// resolveFilter maps tokens to IDs.
// Unknown affinities are ignored, an unknown group is an error.
func (q *Queue) resolveFilter(clientID uint32, affTokens []string, group string) (*filter, error) {
	f := &filter{clientID: clientID, affinities: roaring.New()}
	for _, tok := range affTokens {
		if id := q.affinities.GetIDByToken(tok); id != 0 {
			f.affinities.Add(id)
		}
	}
	if group != "" {
		f.groupID = q.groups.GetIDByToken(group)
		if f.groupID == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
		}
	}
	return f, nil
}

// restrictTo intersects a candidate set with an optional restriction.
// A nil set on either side means unrestricted.
func restrictTo(candidates, restrict *roaring.Bitmap) *roaring.Bitmap {
	switch {
	case restrict == nil:
		return candidates
	case candidates == nil:
		return restrict.Clone()
	}
	return roaring.And(candidates, restrict)
}

var pendingOnly = []jobs.Status{jobs.Pending}

// pickForGet finds the pending job a worker should run.
// claim is the affinity the worker takes over exclusively, if any.
func (q *Queue) pickForGet(f *filter, now time.Time) (jobID, claim uint32) {
	exclude := q.clients.GetBlacklist(f.clientID, clients.WaitGet)
	var restrict *roaring.Bitmap
	if f.groupID != 0 {
		restrict = q.groups.GetJobsInGroup(f.groupID)
	}
	pick := func(candidates *roaring.Bitmap) uint32 {
		return q.status.GetJobByStatus(pendingOnly, exclude, restrictTo(candidates, restrict))
	}

	if f.exclusiveNew && q.Options.MaxPendingWait > 0 {
		outdated := q.status.GetOutdatedPendingJobs(now, q.Options.MaxPendingWait, q.gc)
		if id := pick(outdated); id != 0 {
			return id, 0
		}
	}
	if !f.affinities.IsEmpty() {
		if id := pick(q.affinities.GetJobsUnion(f.affinities)); id != 0 {
			return id, 0
		}
	}
	if f.wnode {
		if prefs := q.clients.GetPreferredAffinities(f.clientID); !prefs.IsEmpty() {
			if id := pick(q.affinities.GetJobsUnion(prefs)); id != 0 {
				return id, 0
			}
		}
	}
	if f.exclusiveNew {
		free := roaring.AndNot(q.affinities.IDs(), q.affinities.GetPreferredAffinities(0))
		if id := pick(q.affinities.GetJobsUnion(free)); id != 0 {
			return id, q.gc.GetAffinityID(id)
		}
	}
	if f.any {
		return q.status.GetJobByStatus(pendingOnly, exclude, restrict), 0
	}
	if f.noFilters() {
		taken := q.affinities.GetJobsUnion(q.affinities.GetPreferredAffinities(f.clientID))
		taken.Or(exclude)
		return q.status.GetJobByStatus(pendingOnly, taken, restrict), 0
	}
	return 0, 0
}

var readableStatuses = []jobs.Status{jobs.Done, jobs.Failed, jobs.Canceled}

// pickForRead finds the finished job a reader should read.
func (q *Queue) pickForRead(f *filter, now time.Time) uint32 {
	exclude := q.clients.GetBlacklist(f.clientID, clients.WaitRead)
	var restrict *roaring.Bitmap
	if f.groupID != 0 {
		restrict = q.groups.GetJobsInGroup(f.groupID)
	}
	pick := func(candidates *roaring.Bitmap) uint32 {
		return q.status.GetJobByStatus(readableStatuses, exclude, restrictTo(candidates, restrict))
	}
	if f.any || f.affinities.IsEmpty() {
		return pick(nil)
	}
	if q.Options.MaxPendingReadWait > 0 {
		outdated := roaring.New()
		it := q.status.GetJobs(readableStatuses...).Iterator()
		for it.HasNext() {
			if id := it.Next(); q.gc.IsOutdatedJob(id, now, q.Options.MaxPendingReadWait) {
				outdated.Add(id)
			}
		}
		if id := pick(outdated); id != 0 {
			return id
		}
	}
	return pick(q.affinities.GetJobsUnion(f.affinities))
}

// GetJobOrWait hands a pending job to a worker.
//
// When nothing matches and the request carries a wait port and timeout,
// the worker is registered as a listener and notified once a job may be available.
func (q *Queue) GetJobOrWait(ctx context.Context, ident clients.Identity, req GetRequest) (*GetResult, error) {
	if err := requireNode(ident); err != nil {
		return nil, err
	}
	touched, err := q.touch(ctx, ident, clients.RoleWorker)
	if err != nil {
		return nil, err
	}
	f, err := q.resolveFilter(touched.ID, req.Affinities, req.Group)
	if err != nil {
		return nil, err
	}
	f.wnode, f.exclusiveNew, f.any = req.WNodeAffinity, req.ExclusiveNew, req.AnyAffinity
	result := &GetResult{PrefAffinitiesReset: touched.PrefAffinitiesWereReset}

	q.listeners.UnregisterListener(f.clientID, notify.KindGet)
	q.clients.ResetWaiting(f.clientID, clients.WaitGet)

	attempts := q.Options.MaxGetAttempts
	if q.IsPaused() {
		attempts = 0
	}
	for attempt := 0; attempt < attempts; attempt++ {
		jobID, claim := q.pickForGet(f, q.Now())
		if jobID == 0 {
			break
		}
		job, err := q.dispatch(ctx, ident, f.clientID, jobID, claim)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		result.Job = job
		result.AuthToken, err = q.authToken(job)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if req.Port != 0 && req.Timeout > 0 {
		q.listeners.RegisterListener(f.listener(ident, notify.KindGet, req.Port, q.Now().Add(req.Timeout)))
		q.clients.SetWaiting(f.clientID, clients.WaitGet, req.Port, f.affinities)
		result.Waiting = true
	}
	return result, nil
}

// dispatch moves a picked job to Running.
// Returns a nil job when the pick lost a race.
func (q *Queue) dispatch(ctx context.Context, ident clients.Identity, clientID, jobID, claim uint32) (*jobs.Job, error) {
	var out *jobs.Job
	err := q.update(ctx, func(tx store.Tx, p *post) error {
		out = nil
		if q.status.GetStatus(jobID) != jobs.Pending {
			return nil
		}
		if claim != 0 && q.affinities.HasClients(claim) {
			return nil
		}
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		job.RunCount++
		err = q.transition(tx, p, job, jobs.Event{
			Status:   jobs.Running,
			Kind:     jobs.EventRequest,
			ClientID: clientID,
			Node:     ident.Node,
			Session:  ident.Session,
		})
		if err != nil {
			return err
		}
		p.commit(func() {
			q.clients.AddToRunning(clientID, jobID)
			if claim != 0 {
				q.clients.UpdatePreferredAffinities(clientID, roaring.BitmapOf(claim), nil)
				q.affinities.AddClientToAffinity(clientID, claim)
			}
		})
		p.count(counterDispatched, 1)
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		q.Log.Debug("Lost dispatch race", zap.Uint32("job.id", jobID))
	}
	return out, nil
}

// GetJobForReadingOrWait hands a finished job to a reader.
func (q *Queue) GetJobForReadingOrWait(ctx context.Context, ident clients.Identity, req ReadRequest) (*GetResult, error) {
	if err := requireNode(ident); err != nil {
		return nil, err
	}
	touched, err := q.touch(ctx, ident, clients.RoleReader)
	if err != nil {
		return nil, err
	}
	f, err := q.resolveFilter(touched.ID, req.Affinities, req.Group)
	if err != nil {
		return nil, err
	}
	f.any = req.AnyAffinity || len(req.Affinities) == 0
	result := new(GetResult)

	q.listeners.UnregisterListener(f.clientID, notify.KindRead)
	q.clients.ResetWaiting(f.clientID, clients.WaitRead)

	for attempt := 0; attempt < q.Options.MaxGetAttempts; attempt++ {
		jobID := q.pickForRead(f, q.Now())
		if jobID == 0 {
			break
		}
		job, err := q.dispatchRead(ctx, ident, f.clientID, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		result.Job = job
		result.AuthToken, err = q.authToken(job)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if req.Port != 0 && req.Timeout > 0 {
		q.listeners.RegisterListener(f.listener(ident, notify.KindRead, req.Port, q.Now().Add(req.Timeout)))
		q.clients.SetWaiting(f.clientID, clients.WaitRead, req.Port, f.affinities)
		result.Waiting = true
	}
	return result, nil
}

func (q *Queue) dispatchRead(ctx context.Context, ident clients.Identity, clientID, jobID uint32) (*jobs.Job, error) {
	var out *jobs.Job
	err := q.update(ctx, func(tx store.Tx, p *post) error {
		out = nil
		if !q.status.GetStatus(jobID).Readable() {
			return nil
		}
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		job.ReadCount++
		err = q.transition(tx, p, job, jobs.Event{
			Status:   jobs.Reading,
			Kind:     jobs.EventRead,
			ClientID: clientID,
			Node:     ident.Node,
			Session:  ident.Session,
		})
		if err != nil {
			return err
		}
		p.commit(func() { q.clients.AddToReading(clientID, jobID) })
		p.count(counterRead, 1)
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		q.Log.Debug("Lost read dispatch race", zap.Uint32("job.id", jobID))
	}
	return out, nil
}
