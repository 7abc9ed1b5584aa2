package feed

import (
	"time"

	"github.com/goccy/go-json"
)

// EventKind is a change kind as named by the backend.
type EventKind string

const (
	EventAll    EventKind = "*"
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Change is one change notification.
type Change struct {
	Kind            EventKind       `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
}

// Message is one of Joined, Changed, Errored or Closed.
type Message interface {
	isMessage()
}

type Joined struct{}

type Changed struct {
	Change Change
}

type Errored struct {
	Err error
}

type Closed struct{}

func (Joined) isMessage()  {}
func (Changed) isMessage() {}
func (Errored) isMessage() {}
func (Closed) isMessage()  {}
