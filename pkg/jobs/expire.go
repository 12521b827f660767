package jobs

import "time"

// Timeouts holds queue-level defaults for job lifetimes.
type Timeouts struct {
	Timeout        time.Duration // lifetime of an untouched job
	RunTimeout     time.Duration // run lease
	ReadTimeout    time.Duration // read lease
	PendingTimeout time.Duration // max time since submit a job may stay pending, zero disables
}

// LeaseDeadline returns when the current Running or Reading lease expires.
// Returns the zero time for other statuses or when the lease never expires.
func (j *Job) LeaseDeadline(t *Timeouts) time.Time {
	var timeout time.Duration
	switch j.Status {
	case Running:
		timeout = j.RunTimeout
		if timeout == 0 {
			timeout = t.RunTimeout
		}
	case Reading:
		timeout = j.ReadTimeout
		if timeout == 0 {
			timeout = t.ReadTimeout
		}
	default:
		return time.Time{}
	}
	if timeout <= 0 {
		return time.Time{}
	}
	ev := j.LastEvent()
	if ev == nil {
		return time.Time{}
	}
	return ev.Timestamp.Add(timeout)
}

// Expiration returns when the job becomes eligible for deletion.
//
// Leased jobs report a lifetime as well,
// but the purge driver never deletes them.
func (j *Job) Expiration(t *Timeouts) time.Time {
	timeout := j.Timeout
	if timeout == 0 {
		timeout = t.Timeout
	}
	exp := j.LastTouch.Add(timeout)
	if j.Status == Pending && t.PendingTimeout > 0 {
		if pendingExp := j.SubmitTime.Add(t.PendingTimeout); pendingExp.Before(exp) {
			exp = pendingExp
		}
	}
	return exp
}
