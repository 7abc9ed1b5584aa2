package phoenix

import (
	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

// Phoenix channel events.
const (
	EventJoin        = "phx_join"
	EventReply       = "phx_reply"
	EventLeave       = "phx_leave"
	EventClose       = "phx_close"
	EventError       = "phx_error"
	EventHeartbeat   = "heartbeat"
	EventChanges     = "postgres_changes"
	EventSystem      = "system"
	EventAccessToken = "access_token"

	// TopicPhoenix carries socket-level messages such as heartbeats.
	TopicPhoenix = "phoenix"

	topicPrefix = "realtime:"
)

// Frame is one Phoenix v1 JSON message.
type Frame struct {
	JoinRef *string         `json:"join_ref"`
	Ref     *string         `json:"ref"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Topic returns the Phoenix topic of a channel name.
func Topic(name string) string {
	return topicPrefix + name
}

func newFrame(topic, event, ref string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f := &Frame{Topic: topic, Event: event, Payload: raw}
	if ref != "" {
		f.Ref = &ref
	}
	return f, nil
}

// ChangeFilter is one postgres_changes binding of a join.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
	ID     int64  `json:"id,omitempty"`
}

// JoinConfig is the channel configuration sent with phx_join.
type JoinConfig struct {
	Broadcast struct {
		Ack  bool `json:"ack"`
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
	Private         bool           `json:"private"`
}

type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func joinPayload(filter feed.Filter, token, presenceKey string) JoinPayload {
	p := JoinPayload{AccessToken: token}
	p.Config.Presence.Key = presenceKey
	p.Config.PostgresChanges = []ChangeFilter{{
		Event:  string(filter.Event),
		Schema: filter.Schema,
		Table:  filter.Table,
	}}
	return p
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
}

// changesPayload is the payload of a postgres_changes message.
type changesPayload struct {
	Data feed.Change `json:"data"`
	IDs  []int64     `json:"ids"`
}

// header holds the routing fields of a frame.
type header struct {
	topic, event, ref string
}

// peek reads the routing fields of a frame without decoding its payload.
func peek(data []byte) (header, error) {
	var h header
	var err error
	if h.topic, err = jsonparser.GetString(data, "topic"); err != nil {
		return h, err
	}
	if h.event, err = jsonparser.GetString(data, "event"); err != nil {
		return h, err
	}
	// ref is null for server pushes
	h.ref, _ = jsonparser.GetString(data, "ref")
	return h, nil
}

// replyStatus returns the status of a phx_reply and its reason, if any.
func replyStatus(data []byte) (status, reason string) {
	status, _ = jsonparser.GetString(data, "payload", "status")
	reason, _ = jsonparser.GetString(data, "payload", "response", "reason")
	return status, reason
}

// systemStatus returns the status and message of a system message.
func systemStatus(data []byte) (status, message string) {
	status, _ = jsonparser.GetString(data, "payload", "status")
	message, _ = jsonparser.GetString(data, "payload", "message")
	return status, message
}
