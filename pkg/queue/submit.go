package queue

import (
	"context"
	"fmt"
	"time"

	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/store"
	"go.uber.org/zap"
)

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Input    []byte
	Affinity string
	Group    string
	// Per-job overrides, zero means queue default.
	Timeout     time.Duration
	RunTimeout  time.Duration
	ReadTimeout time.Duration
	// Optional endpoint receiving status change datagrams.
	NotifAddr    string
	NotifPort    uint16
	NotifTimeout time.Duration
}

// BatchItem is one job of a batch submit.
type BatchItem struct {
	Input    []byte
	Affinity string
}

// Submit adds a pending job and returns its ID.
func (q *Queue) Submit(ctx context.Context, ident clients.Identity, req SubmitRequest) (uint32, error) {
	if len(req.Input) > q.Options.MaxInputSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrInputTooLarge, len(req.Input), q.Options.MaxInputSize)
	}
	res, err := q.touch(ctx, ident, clients.RoleSubmitter)
	if err != nil {
		return 0, err
	}
	var jobID uint32
	err = q.update(ctx, func(tx store.Tx, p *post) error {
		affID, groupID, err := q.resolveTokens(tx, p, req.Affinity, req.Group)
		if err != nil {
			return err
		}
		jobID, err = q.allocIDs(tx, p, 1)
		if err != nil {
			return err
		}
		job := &jobs.Job{
			ID:          jobID,
			Passport:    q.rand.Uint32(),
			Input:       append([]byte(nil), req.Input...),
			AffinityID:  affID,
			GroupID:     groupID,
			Timeout:     req.Timeout,
			RunTimeout:  req.RunTimeout,
			ReadTimeout: req.ReadTimeout,
		}
		if req.NotifPort != 0 {
			addr := req.NotifAddr
			if addr == "" {
				addr = ident.Addr
			}
			job.SubmNotif = jobs.NotifTarget{Addr: addr, Port: req.NotifPort, Deadline: q.Now().Add(req.NotifTimeout)}
		}
		q.registerNew(p, job, res.ID)
		p.count(counterSubmitted, 1)
		return q.transition(tx, p, job, jobs.Event{
			Status:   jobs.Pending,
			Kind:     jobs.EventSubmit,
			ClientID: res.ID,
			Node:     ident.Node,
			Session:  ident.Session,
		})
	})
	if err != nil {
		return 0, err
	}
	q.Log.Debug("Submitted job", zap.Uint32("job.id", jobID), zap.String("client.node", ident.Node))
	return jobID, nil
}

// SubmitBatch adds pending jobs with consecutive IDs sharing one group.
// Returns the first ID.
func (q *Queue) SubmitBatch(ctx context.Context, ident clients.Identity, items []BatchItem, group string) (uint32, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidParameter)
	}
	for i, item := range items {
		if len(item.Input) > q.Options.MaxInputSize {
			return 0, fmt.Errorf("%w: item %d: %d > %d bytes", ErrInputTooLarge, i, len(item.Input), q.Options.MaxInputSize)
		}
	}
	res, err := q.touch(ctx, ident, clients.RoleSubmitter)
	if err != nil {
		return 0, err
	}
	var first uint32
	err = q.update(ctx, func(tx store.Tx, p *post) error {
		_, groupID, err := q.resolveTokens(tx, p, "", group)
		if err != nil {
			return err
		}
		first, err = q.allocIDs(tx, p, uint32(len(items)))
		if err != nil {
			return err
		}
		last := first + uint32(len(items)) - 1
		affIDs := make([]uint32, len(items))
		expirations := make([]time.Time, len(items))
		woken := make(map[uint32]bool)
		for i, item := range items {
			affID, _, err := q.resolveTokens(tx, p, item.Affinity, "")
			if err != nil {
				return err
			}
			job := &jobs.Job{
				ID:         first + uint32(i),
				Passport:   q.rand.Uint32(),
				Input:      append([]byte(nil), item.Input...),
				AffinityID: affID,
				GroupID:    groupID,
			}
			err = q.appendEvent(tx, p, job, jobs.Event{
				Status:   jobs.Pending,
				Kind:     jobs.EventBatchSubmit,
				ClientID: res.ID,
				Node:     ident.Node,
				Session:  ident.Session,
			})
			if err != nil {
				return err
			}
			affIDs[i], expirations[i] = affID, job.Expiration(q.timeouts())
			if !woken[affID] {
				woken[affID] = true
				p.wake(notify.KindGet, affID, groupID)
			}
		}
		clientID, now := res.ID, q.Now()
		p.commit(func() {
			q.status.AddPendingBatch(first, last)
			q.groups.AddJobsToGroup(groupID, first, last)
			for i, affID := range affIDs {
				jobID := first + uint32(i)
				q.affinities.AddJob(affID, jobID)
				q.gc.RegisterJob(jobID, now, affID, groupID, expirations[i])
			}
			q.clients.AddSubmitted(clientID, uint64(len(affIDs)))
		})
		p.count(counterSubmitted, int64(len(items)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	q.Log.Debug("Submitted batch",
		zap.Uint32("job.first_id", first),
		zap.Int("job.count", len(items)),
		zap.String("client.node", ident.Node))
	return first, nil
}

// registerNew schedules the registry updates of a new job.
// Must run before the submit transition so lifetimes are tracked.
func (q *Queue) registerNew(p *post, job *jobs.Job, clientID uint32) {
	jobID, affID, groupID := job.ID, job.AffinityID, job.GroupID
	p.commit(func() {
		q.affinities.AddJob(affID, jobID)
		q.groups.AddJobToGroup(groupID, jobID)
		q.gc.RegisterJob(jobID, q.Now(), affID, groupID, time.Time{})
		q.clients.AddSubmitted(clientID, 1)
	})
}

// SetJobListener directs the status change datagrams of a job to addr:port
// until timeout elapses, replacing any earlier listener of that job.
// An empty addr means the caller's address, a zero port or timeout removes the listener.
// Returns the current status.
func (q *Queue) SetJobListener(ctx context.Context, ident clients.Identity, jobID uint32,
	addr string, port uint16, timeout time.Duration) (jobs.Status, error) {
	if _, err := q.touch(ctx, ident, clients.RoleSubmitter); err != nil {
		return jobs.NotFound, err
	}
	if addr == "" {
		addr = ident.Addr
	}
	var status jobs.Status
	err := q.update(ctx, func(tx store.Tx, p *post) error {
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		status = job.Status
		if port == 0 || timeout <= 0 {
			job.ListenerNotif = jobs.NotifTarget{}
		} else {
			job.ListenerNotif = jobs.NotifTarget{Addr: addr, Port: port, Deadline: q.Now().Add(timeout)}
		}
		if err := tx.FlushJob(job); err != nil {
			return fmt.Errorf("failed to flush job %d: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return jobs.NotFound, err
	}
	q.Log.Debug("Set job listener",
		zap.Uint32("job.id", jobID),
		zap.String("notif.addr", addr),
		zap.Uint16("notif.port", port))
	return status, nil
}
