package phoenix

import (
	"sync"

	"github.com/gofrs/uuid"
	"github.com/juju/clock"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

type channelState int

const (
	stateJoining channelState = iota
	stateJoined
	stateDone
)

// channel is one Phoenix channel. It implements feed.Subscription.
type channel struct {
	handle   uuid.UUID
	name     string
	topic    string
	resource string
	filter   feed.Filter

	// guarded by the client's mu
	state   channelState
	joinRef string
	timer   clock.Timer

	msgs chan feed.Message
	quit chan struct{}

	// mu serialises delivery against release.
	mu       sync.Mutex
	released bool
	quitOnce sync.Once
}

func newChannel(name, resource string, filter feed.Filter, buffer int) *channel {
	return &channel{
		handle:   uuid.Must(uuid.NewV4()),
		name:     name,
		topic:    Topic(name),
		resource: resource,
		filter:   filter,
		msgs:     make(chan feed.Message, buffer),
		quit:     make(chan struct{}),
	}
}

func (ch *channel) ID() string                    { return ch.name }
func (ch *channel) Resource() string              { return ch.resource }
func (ch *channel) Messages() <-chan feed.Message { return ch.msgs }

// Handle identifies the subscription in logs and is sent as its presence
// key, so a channel rejoined under the same topic keeps its identity.
func (ch *channel) Handle() string { return ch.handle.String() }

// deliver blocks until m is queued or the channel is released.
func (ch *channel) deliver(m feed.Message) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.released {
		return false
	}
	select {
	case ch.msgs <- m:
		return true
	case <-ch.quit:
		return false
	}
}

// release ends delivery and closes Messages. It may be called more than once.
func (ch *channel) release() {
	ch.quitOnce.Do(func() {
		close(ch.quit)

		ch.mu.Lock()
		ch.released = true
		close(ch.msgs)
		ch.mu.Unlock()
	})
}

func (ch *channel) stopTimer() {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
}
