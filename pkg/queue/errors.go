package queue

import (
	"errors"

	"go.od2.network/nqueue/pkg/jobs"
)

// Validation errors.
var (
	ErrInputTooLarge     = errors.New("input too large")
	ErrOutputTooLarge    = errors.New("output too large")
	ErrInvalidAuthToken  = errors.New("invalid auth token")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
	ErrUnknownAffinity   = errors.New("unknown affinity")
	ErrUnknownGroup      = errors.New("unknown group")
	ErrUnknownQueue      = errors.New("unknown queue")
	ErrInvalidParameter  = errors.New("invalid parameter")
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrUnavailable is returned when the store keeps conflicting. Retry later.
var ErrUnavailable = errors.New("queue temporarily unavailable")

// ErrInvariant is returned when in-memory and persisted state disagree.
var ErrInvariant = errors.New("internal invariant violated")

// ErrorKind classifies errors for transports.
type ErrorKind uint8

// Error kinds.
const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	default:
		return "internal"
	}
}

var validationErrors = []error{
	ErrInputTooLarge,
	ErrOutputTooLarge,
	ErrInvalidAuthToken,
	ErrAuthTokenMismatch,
	ErrUnknownAffinity,
	ErrUnknownGroup,
	ErrUnknownQueue,
	ErrInvalidParameter,
}

// Kind returns the kind of an error returned by a queue.
func Kind(err error) ErrorKind {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	switch {
	case errors.Is(err, ErrJobNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindTransient
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	default:
		return KindInternal
	}
}

// Outcome is the result of a job transition.
//
// Transitions that lost a race or came with a stale lease token
// are not errors: Applied is false and Warning explains why.
type Outcome struct {
	Previous jobs.Status `json:"previous"`
	Status   jobs.Status `json:"status"`
	Applied  bool        `json:"applied"`
	Warning  string      `json:"warning,omitempty"`
}

func applied(prev, next jobs.Status) Outcome {
	return Outcome{Previous: prev, Status: next, Applied: true}
}

func ignored(cur jobs.Status, warning string) Outcome {
	return Outcome{Previous: cur, Status: cur, Warning: warning}
}
