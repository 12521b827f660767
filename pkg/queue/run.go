package queue

import (
	"context"
	"fmt"
	"time"

	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
	"go.uber.org/zap"
)

// leaseFunc performs a transition on a job whose lease was verified.
type leaseFunc func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error

// leaseOp runs fn if authToken belongs to the current lease
// and the job is in the expected status.
//
// Stale tokens and jobs that moved on are reported as ignored outcomes.
func (q *Queue) leaseOp(ctx context.Context, ident clients.Identity, role clients.Role, jobID uint32,
	authToken string, expect jobs.Status, op string, fn leaseFunc) (Outcome, error) {
	touched, err := q.touch(ctx, ident, role)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err = q.update(ctx, func(tx store.Tx, p *post) error {
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		match, err := q.checkAuth(job, authToken)
		if err != nil {
			return err
		}
		if match == jobs.PassportOnlyMatch {
			q.Log.Warn("Auth token matches passport only",
				zap.String("op", op),
				zap.Uint32("job.id", jobID),
				zap.Stringer("job.status", job.Status),
				zap.String("client.node", ident.Node))
			out = ignored(job.Status, "auth token is from an earlier lease")
			return nil
		}
		if job.Status != expect {
			q.Log.Warn("Job not in expected status",
				zap.String("op", op),
				zap.Uint32("job.id", jobID),
				zap.Stringer("job.status", job.Status),
				zap.Stringer("job.status_expected", expect))
			out = ignored(job.Status, fmt.Sprintf("job is %s, expected %s", job.Status, expect))
			return nil
		}
		prev := job.Status
		if err := fn(tx, p, job, touched.ID); err != nil {
			return err
		}
		out = applied(prev, job.Status)
		return nil
	})
	return out, err
}

func (q *Queue) event(ident clients.Identity, clientID uint32, status jobs.Status, kind jobs.EventKind) jobs.Event {
	return jobs.Event{
		Status:   status,
		Kind:     kind,
		ClientID: clientID,
		Node:     ident.Node,
		Session:  ident.Session,
	}
}

// PutResult completes a running job.
func (q *Queue) PutResult(ctx context.Context, ident clients.Identity, jobID uint32, authToken string,
	retCode int32, output []byte) (Outcome, error) {
	if len(output) > q.Options.MaxOutputSize {
		return Outcome{}, fmt.Errorf("%w: %d > %d bytes", ErrOutputTooLarge, len(output), q.Options.MaxOutputSize)
	}
	return q.leaseOp(ctx, ident, clients.RoleWorker, jobID, authToken, jobs.Running, "put",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			job.Output = append([]byte(nil), output...)
			ev := q.event(ident, clientID, jobs.Done, jobs.EventDone)
			ev.RetCode = retCode
			p.commit(func() { q.clients.ClearExecuting(jobID) })
			p.count(counterDone, 1)
			return q.transition(tx, p, job, ev)
		})
}

// Fail reports a failed run.
// The job goes back to Pending unless its retries are used up or noRetries is set.
func (q *Queue) Fail(ctx context.Context, ident clients.Identity, jobID uint32, authToken string,
	retCode int32, errMsg string, output []byte, noRetries bool) (Outcome, error) {
	if len(output) > q.Options.MaxOutputSize {
		return Outcome{}, fmt.Errorf("%w: %d > %d bytes", ErrOutputTooLarge, len(output), q.Options.MaxOutputSize)
	}
	return q.leaseOp(ctx, ident, clients.RoleWorker, jobID, authToken, jobs.Running, "fail",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			next := q.runFailStatus(job, noRetries)
			kind := jobs.EventFail
			if next == jobs.Failed {
				kind = jobs.EventFinalFail
				p.count(counterFailed, 1)
			}
			if output != nil {
				job.Output = append([]byte(nil), output...)
			}
			ev := q.event(ident, clientID, next, kind)
			ev.RetCode = retCode
			ev.ErrorMsg = errMsg
			p.commit(func() { q.clients.ClearExecutingSetBlacklist(jobID, q.Options.BlacklistTime) })
			return q.transition(tx, p, job, ev)
		})
}

// Return gives a running job back without counting the run.
func (q *Queue) Return(ctx context.Context, ident clients.Identity, jobID uint32, authToken string, blacklist bool) (Outcome, error) {
	return q.leaseOp(ctx, ident, clients.RoleWorker, jobID, authToken, jobs.Running, "return",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			if job.RunCount > 0 {
				job.RunCount--
			}
			p.commit(func() {
				if blacklist {
					q.clients.ClearExecutingSetBlacklist(jobID, q.Options.BlacklistTime)
				} else {
					q.clients.ClearExecuting(jobID)
				}
			})
			return q.transition(tx, p, job, q.event(ident, clientID, jobs.Pending, jobs.EventReturn))
		})
}

// Reschedule gives a running job back with a new affinity and group.
// Empty tokens clear the affinity or group.
func (q *Queue) Reschedule(ctx context.Context, ident clients.Identity, jobID uint32, authToken string,
	affinity, group string) (Outcome, error) {
	return q.leaseOp(ctx, ident, clients.RoleWorker, jobID, authToken, jobs.Running, "reschedule",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			affID, groupID, err := q.resolveTokens(tx, p, affinity, group)
			if err != nil {
				return err
			}
			q.moveJob(p, job, affID, groupID)
			if job.RunCount > 0 {
				job.RunCount--
			}
			p.commit(func() { q.clients.ClearExecuting(jobID) })
			return q.transition(tx, p, job, q.event(ident, clientID, jobs.Pending, jobs.EventReschedule))
		})
}

// moveJob changes the affinity and group of a job.
func (q *Queue) moveJob(p *post, job *jobs.Job, affID, groupID uint32) {
	jobID, oldAff, oldGroup := job.ID, job.AffinityID, job.GroupID
	job.AffinityID, job.GroupID = affID, groupID
	p.commit(func() {
		if oldAff != affID {
			q.affinities.RemoveJob(oldAff, jobID)
			q.affinities.AddJob(affID, jobID)
		}
		if oldGroup != groupID {
			q.groups.RemoveJobFromGroup(oldGroup, jobID)
			q.groups.AddJobToGroup(groupID, jobID)
		}
		q.gc.UpdateAffinity(jobID, affID, groupID)
	})
}

// ExtendRun prolongs the run lease to end d from now.
func (q *Queue) ExtendRun(ctx context.Context, ident clients.Identity, jobID uint32, authToken string, d time.Duration) (Outcome, error) {
	if d <= 0 {
		return Outcome{}, fmt.Errorf("%w: non-positive lease extension", ErrInvalidParameter)
	}
	return q.leaseOp(ctx, ident, clients.RoleWorker, jobID, authToken, jobs.Running, "extend",
		func(tx store.Tx, p *post, job *jobs.Job, _ uint32) error {
			return q.extendLease(tx, p, job, d)
		})
}

// extendLease moves the deadline of the current lease to d from now.
// The job keeps its status and events.
func (q *Queue) extendLease(tx store.Tx, p *post, job *jobs.Job, d time.Duration) error {
	old := ceilSecond(job.LeaseDeadline(q.timeouts()))
	lease := q.Now().Sub(job.LastEvent().Timestamp) + d
	if job.Status == jobs.Reading {
		job.ReadTimeout = lease
	} else {
		job.RunTimeout = lease
	}
	if err := tx.FlushJob(job); err != nil {
		return fmt.Errorf("failed to flush job %d: %w", job.ID, err)
	}
	jobID, expiration := job.ID, job.Expiration(q.timeouts())
	second := ceilSecond(job.LeaseDeadline(q.timeouts()))
	p.commit(func() {
		q.gc.UpdateLifetime(jobID, expiration)
		if !q.timeline.Move(old, second, jobID) {
			// Held by the timeout sweep, which reschedules extended leases.
			q.Log.Debug("Extended lease not scheduled", zap.Uint32("job.id", jobID))
		}
	})
	return nil
}

// PutProgressMessage attaches a progress message to a job.
func (q *Queue) PutProgressMessage(ctx context.Context, jobID uint32, msg string) error {
	if len(msg) > q.Options.MaxOutputSize {
		return fmt.Errorf("%w: progress message of %d bytes", ErrOutputTooLarge, len(msg))
	}
	return q.update(ctx, func(tx store.Tx, p *post) error {
		job, err := q.fetchJob(tx, jobID)
		if err != nil {
			return err
		}
		job.Progress = msg
		if err := tx.FlushJob(job); err != nil {
			return fmt.Errorf("failed to flush job %d: %w", jobID, err)
		}
		return nil
	})
}
