package queue

import (
	"context"
	"fmt"
	"time"

	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
)

// ConfirmReading marks a read job as consumed.
func (q *Queue) ConfirmReading(ctx context.Context, ident clients.Identity, jobID uint32, authToken string) (Outcome, error) {
	return q.leaseOp(ctx, ident, clients.RoleReader, jobID, authToken, jobs.Reading, "confirm_read",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			p.commit(func() { q.clients.ClearReading(jobID) })
			return q.transition(tx, p, job, q.event(ident, clientID, jobs.Confirmed, jobs.EventReadDone))
		})
}

// FailReading reports a failed read.
// The job becomes readable again unless its read retries are used up or noRetries is set.
func (q *Queue) FailReading(ctx context.Context, ident clients.Identity, jobID uint32, authToken string,
	errMsg string, noRetries bool) (Outcome, error) {
	return q.leaseOp(ctx, ident, clients.RoleReader, jobID, authToken, jobs.Reading, "fail_read",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			next := q.readFailStatus(job, noRetries)
			kind := jobs.EventReadFail
			if next == jobs.ReadFailed {
				kind = jobs.EventReadFinalFail
			}
			ev := q.event(ident, clientID, next, kind)
			ev.ErrorMsg = errMsg
			p.commit(func() { q.clients.ClearReadingSetBlacklist(jobID, q.Options.ReadBlacklistTime) })
			return q.transition(tx, p, job, ev)
		})
}

// ReturnReading gives a read job back.
// The read still counts against the read retries.
func (q *Queue) ReturnReading(ctx context.Context, ident clients.Identity, jobID uint32, authToken string, blacklist bool) (Outcome, error) {
	return q.leaseOp(ctx, ident, clients.RoleReader, jobID, authToken, jobs.Reading, "return_read",
		func(tx store.Tx, p *post, job *jobs.Job, clientID uint32) error {
			p.commit(func() {
				if blacklist {
					q.clients.ClearReadingSetBlacklist(jobID, q.Options.ReadBlacklistTime)
				} else {
					q.clients.ClearReading(jobID)
				}
			})
			return q.transition(tx, p, job, q.event(ident, clientID, q.readFailStatus(job, false), jobs.EventReadReturn))
		})
}

// ExtendRead prolongs the read lease to end d from now.
func (q *Queue) ExtendRead(ctx context.Context, ident clients.Identity, jobID uint32, authToken string, d time.Duration) (Outcome, error) {
	if d <= 0 {
		return Outcome{}, fmt.Errorf("%w: non-positive lease extension", ErrInvalidParameter)
	}
	return q.leaseOp(ctx, ident, clients.RoleReader, jobID, authToken, jobs.Reading, "extend_read",
		func(tx store.Tx, p *post, job *jobs.Job, _ uint32) error {
			return q.extendLease(tx, p, job, d)
		})
}
