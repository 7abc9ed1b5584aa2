// Package feedtest provides an in-memory feed.Client and feed.Reader whose
// subscriptions are driven by the test.
package feedtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

const bufferSize = 64

// Subscription is a fake subscription. Send pushes messages as the backend
// would.
type Subscription struct {
	id       string
	resource string
	filter   feed.Filter

	mu       sync.Mutex
	ch       chan feed.Message
	released bool
}

func (s *Subscription) ID() string                    { return s.id }
func (s *Subscription) Resource() string              { return s.resource }
func (s *Subscription) Filter() feed.Filter           { return s.filter }
func (s *Subscription) Messages() <-chan feed.Message { return s.ch }

// Released reports whether the subscription was unsubscribed.
func (s *Subscription) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Send delivers m unless the subscription was released. It reports whether
// m was delivered.
func (s *Subscription) Send(m feed.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.ch <- m
	return true
}

func (s *Subscription) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		close(s.ch)
	}
}

// Client is a fake feed.Client. The zero value is ready to use.
type Client struct {
	mu   sync.Mutex
	subs []*Subscription
	ops  []string

	tokens []string

	subscribeErr    error
	unsubscribeErr  error
	unsubscribeGate <-chan struct{}
}

// FailSubscribe makes Subscribe return err. nil restores it.
func (c *Client) FailSubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

// BlockUnsubscribe makes Unsubscribe wait until gate is closed, as a leave
// written to a stalled socket would. nil restores it.
func (c *Client) BlockUnsubscribe(gate <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribeGate = gate
}

// FailUnsubscribe makes Unsubscribe return err after releasing.
func (c *Client) FailUnsubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribeErr = err
}

func (c *Client) Subscribe(_ context.Context, id, resource string, filter feed.Filter) (feed.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops = append(c.ops, "subscribe "+id)
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}

	s := &Subscription{
		id:       id,
		resource: resource,
		filter:   filter,
		ch:       make(chan feed.Message, bufferSize),
	}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *Client) Unsubscribe(sub feed.Subscription) error {
	s, ok := sub.(*Subscription)
	if !ok {
		return fmt.Errorf("%w: %T", constants.ErrUnknownSubscription, sub)
	}

	c.mu.Lock()
	c.ops = append(c.ops, "unsubscribe "+s.id)
	err := c.unsubscribeErr
	gate := c.unsubscribeGate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.release()
	return err
}

func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
}

// Tokens returns every access token set, in order.
func (c *Client) Tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

// Ops returns the subscribe and unsubscribe calls, in order, as
// "subscribe <id>" and "unsubscribe <id>".
func (c *Client) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// Subscriptions returns every subscription ever opened for resource, oldest
// first. An empty resource matches all of them.
func (c *Client) Subscriptions(resource string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Subscription
	for _, s := range c.subs {
		if resource == "" || s.resource == resource {
			out = append(out, s)
		}
	}
	return out
}

// Current returns the newest subscription of resource, or nil.
func (c *Client) Current(resource string) *Subscription {
	subs := c.Subscriptions(resource)
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

// Live returns the number of unreleased subscriptions per resource.
func (c *Client) Live() map[string]int {
	live := make(map[string]int)
	for _, s := range c.Subscriptions("") {
		if !s.Released() {
			live[s.resource]++
		}
	}
	return live
}

// Reader is a fake feed.Reader that records its calls.
type Reader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

// Fail makes every read return err. nil restores it.
func (r *Reader) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Reader) PointRead(_ context.Context, resource string, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s/%d", resource, limit))
	return r.err
}

// Calls returns the reads made, as "<resource>/<limit>".
func (r *Reader) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

var (
	_ feed.Client      = (*Client)(nil)
	_ feed.TokenSetter = (*Client)(nil)
	_ feed.Reader      = (*Reader)(nil)
)
