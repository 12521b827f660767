package jobs

import (
	"encoding/json"
	"fmt"
)

// Status is the state of a job.
type Status uint8

// Job statuses.
// NotFound is never stored, lookups return it for unknown jobs.
const (
	NotFound Status = iota
	Pending
	Running
	Canceled
	Failed
	Done
	Reading
	Confirmed
	ReadFailed
)

// Statuses lists all real job statuses.
var Statuses = []Status{
	Pending, Running, Canceled, Failed, Done, Reading, Confirmed, ReadFailed,
}

var statusNames = [...]string{
	NotFound:   "NotFound",
	Pending:    "Pending",
	Running:    "Running",
	Canceled:   "Canceled",
	Failed:     "Failed",
	Done:       "Done",
	Reading:    "Reading",
	Confirmed:  "Confirmed",
	ReadFailed: "ReadFailed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus looks up a status by name.
func ParseStatus(name string) (Status, error) {
	for _, s := range Statuses {
		if statusNames[s] == name {
			return s, nil
		}
	}
	return NotFound, fmt.Errorf("unknown job status: %q", name)
}

// Leased returns whether a client currently holds the job.
func (s Status) Leased() bool {
	return s == Running || s == Reading
}

// Readable returns whether readers may pick up jobs in this status.
func (s Status) Readable() bool {
	return s == Done || s == Failed || s == Canceled
}

// Cancelable returns whether Cancel moves a job in this status to Canceled.
func (s Status) Cancelable() bool {
	return s != NotFound && s != Canceled
}

// MarshalJSON encodes the status name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
