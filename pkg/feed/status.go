package feed

import "fmt"

// Status is the last known state of a subscription.
type Status int

const (
	StatusConnecting Status = iota
	StatusJoined
	StatusErrored
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusJoined:
		return "joined"
	case StatusErrored:
		return "errored"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON status reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusOf returns the status a message moves its subscription to.
// Changed does not change the status.
func StatusOf(m Message) (Status, bool) {
	switch m.(type) {
	case Joined:
		return StatusJoined, true
	case Errored:
		return StatusErrored, true
	case Closed:
		return StatusClosed, true
	default:
		return 0, false
	}
}
