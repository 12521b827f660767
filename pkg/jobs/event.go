package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the reason of a job transition.
type EventKind uint8

// Event kinds.
const (
	EventSubmit EventKind = iota + 1
	EventBatchSubmit
	EventRequest
	EventDone
	EventReturn
	EventReschedule
	EventFail
	EventFinalFail
	EventRead
	EventReadFail
	EventReadFinalFail
	EventReadDone
	EventReadReturn
	EventCancel
	EventTimeout
	EventReadTimeout
	EventSessionChanged
	EventClear
)

var eventKindNames = map[EventKind]string{
	EventSubmit:         "Submit",
	EventBatchSubmit:    "BatchSubmit",
	EventRequest:        "Request",
	EventDone:           "Done",
	EventReturn:         "Return",
	EventReschedule:     "Reschedule",
	EventFail:           "Fail",
	EventFinalFail:      "FinalFail",
	EventRead:           "Read",
	EventReadFail:       "ReadFail",
	EventReadFinalFail:  "ReadFinalFail",
	EventReadDone:       "ReadDone",
	EventReadReturn:     "ReadReturn",
	EventCancel:         "Cancel",
	EventTimeout:        "Timeout",
	EventReadTimeout:    "ReadTimeout",
	EventSessionChanged: "SessionChanged",
	EventClear:          "Clear",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is an entry of the job audit trail.
type Event struct {
	Status    Status    `msgpack:"s" json:"status"` // status entered by the event
	Kind      EventKind `msgpack:"k" json:"kind"`
	Timestamp time.Time `msgpack:"t" json:"timestamp"`
	ClientID  uint32    `msgpack:"c,omitempty" json:"client_id,omitempty"`
	Node      string    `msgpack:"n,omitempty" json:"node,omitempty"`
	Session   string    `msgpack:"ss,omitempty" json:"session,omitempty"`
	RetCode   int32     `msgpack:"r,omitempty" json:"ret_code,omitempty"`
	ErrorMsg  string    `msgpack:"e,omitempty" json:"error_msg,omitempty"`
}

// MarshalJSON encodes the event kind name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes an event kind name.
func (k *EventKind) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for kind, kindName := range eventKindNames {
		if kindName == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind: %q", name)
}
