// Package jobs holds the job record, its audit trail and the lifetime math.
package jobs

import (
	"time"

	"go.od2.network/nqueue/pkg/token"
)

// NotifTarget is a client endpoint receiving job status datagrams.
type NotifTarget struct {
	Addr     string    `msgpack:"a,omitempty" json:"addr,omitempty"`
	Port     uint16    `msgpack:"p,omitempty" json:"port,omitempty"`
	Deadline time.Time `msgpack:"d,omitempty" json:"deadline,omitempty"`
}

// Active returns whether the target still wants notifications at the given time.
func (n *NotifTarget) Active(now time.Time) bool {
	return n.Port != 0 && n.Addr != "" && now.Before(n.Deadline)
}

// Job is a unit of work.
//
// Status must only be changed through AppendEvent.
type Job struct {
	ID         uint32 `msgpack:"id" json:"id"`
	Passport   uint32 `msgpack:"pp" json:"-"`
	Status     Status `msgpack:"st" json:"status"`
	Input      []byte `msgpack:"in" json:"input"`
	Output     []byte `msgpack:"out,omitempty" json:"output,omitempty"`
	Progress   string `msgpack:"pg,omitempty" json:"progress,omitempty"`
	AffinityID uint32 `msgpack:"aff,omitempty" json:"affinity_id,omitempty"`
	GroupID    uint32 `msgpack:"grp,omitempty" json:"group_id,omitempty"`
	RunCount   uint32 `msgpack:"rc" json:"run_count"`
	ReadCount  uint32 `msgpack:"rdc" json:"read_count"`

	// Per-job overrides, zero means queue default.
	Timeout     time.Duration `msgpack:"to,omitempty" json:"timeout,omitempty"`
	RunTimeout  time.Duration `msgpack:"rto,omitempty" json:"run_timeout,omitempty"`
	ReadTimeout time.Duration `msgpack:"rdto,omitempty" json:"read_timeout,omitempty"`

	SubmitTime time.Time `msgpack:"sub" json:"submit_time"`
	LastTouch  time.Time `msgpack:"lt" json:"last_touch"`

	SubmNotif     NotifTarget `msgpack:"sn,omitempty" json:"subm_notif"`
	ListenerNotif NotifTarget `msgpack:"ln,omitempty" json:"listener_notif"`

	// Events is the audit trail, ordered by append.
	// Stores persist events separately from the job record.
	Events []Event `msgpack:"-" json:"events"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Input = append([]byte(nil), j.Input...)
	c.Output = append([]byte(nil), j.Output...)
	c.Events = append([]Event(nil), j.Events...)
	return &c
}

// AppendEvent records a transition and switches to the event status.
// Timestamps never go backwards within a job.
func (j *Job) AppendEvent(ev Event) *Event {
	if n := len(j.Events); n > 0 && ev.Timestamp.Before(j.Events[n-1].Timestamp) {
		ev.Timestamp = j.Events[n-1].Timestamp
	}
	j.Events = append(j.Events, ev)
	j.Status = ev.Status
	j.LastTouch = ev.Timestamp
	if len(j.Events) == 1 {
		j.SubmitTime = ev.Timestamp
	}
	return &j.Events[len(j.Events)-1]
}

// LastEvent returns the newest event, or nil if there are none.
func (j *Job) LastEvent() *Event {
	if len(j.Events) == 0 {
		return nil
	}
	return &j.Events[len(j.Events)-1]
}

// StatusBeforeReading finds the status the job had when the current read lease started.
func (j *Job) StatusBeforeReading() Status {
	for i := len(j.Events) - 1; i > 0; i-- {
		if j.Events[i].Kind == EventRead {
			prev := j.Events[i-1].Status
			if prev.Readable() {
				return prev
			}
			break
		}
	}
	return Done
}

// AuthPayload returns the token payload describing the current lease.
func (j *Job) AuthPayload() token.Payload {
	return token.Payload{
		JobID:    j.ID,
		Passport: j.Passport,
		Events:   uint32(len(j.Events)),
	}
}

// AuthMatch is the result of comparing an authorization token with a job.
type AuthMatch uint8

// Auth token comparison results.
const (
	NoMatch AuthMatch = iota
	PassportOnlyMatch
	FullMatch
)

func (m AuthMatch) String() string {
	switch m {
	case FullMatch:
		return "FullMatch"
	case PassportOnlyMatch:
		return "PassportOnlyMatch"
	default:
		return "NoMatch"
	}
}

// CompareAuthToken checks a token against the current lease.
//
// A token issued for an older lease of the same job matches the passport only.
func (j *Job) CompareAuthToken(p token.Payload) AuthMatch {
	if p.JobID != j.ID || p.Passport != j.Passport {
		return NoMatch
	}
	if p.Events != uint32(len(j.Events)) {
		return PassportOnlyMatch
	}
	return FullMatch
}
