// Package phoenix is a feed.Client for the backend's realtime service, which
// speaks the Phoenix channels protocol (v1, JSON) over a websocket.
//
// All channels share one socket. The socket is dialed by the first
// Subscribe and kept alive with heartbeats; when it drops, every channel
// reports Errored and it is dialed again by the next Subscribe.
package phoenix

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
)

const (
	realtimePath  = "/realtime/v1/websocket"
	protocolVsn   = "1.0.0"
	defaultBuffer = 256
)

// DefaultDialer is the gorilla dialer used when Config.Dialer is nil.
//
// It is the default gorilla dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

type Config struct {
	// URL is the project URL (http or https); the websocket endpoint is
	// derived from it.
	URL string
	// AnonKey is sent as the apikey parameter and used as the access
	// token until SetAccessToken is called.
	AnonKey string

	Dialer            *gorilla.Dialer
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	WriteTimeout      time.Duration
	// EventsPerSecond is the rate hint passed to the service.
	EventsPerSecond int
	// Buffer is the capacity of each subscription's message channel.
	Buffer int

	Clock  clock.Clock
	Logger logger.Logger
}

// Client multiplexes subscriptions over one realtime socket.
type Client struct {
	endpoint   string
	anonKey    string
	dialer     *gorilla.Dialer
	heartbeat  time.Duration
	joinAfter  time.Duration
	writeAfter time.Duration
	buffer     int
	clock      clock.Clock
	logger     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conn         *gorilla.Conn
	connecting   bool
	closed       bool
	channels     map[string]*channel
	token        string
	ref          uint64
	heartbeatRef string

	// writeLock serialises writes; gorilla allows one concurrent writer.
	writeLock sync.Mutex
}

// Endpoint returns the websocket URL of the realtime service of a project.
func Endpoint(projectURL, anonKey string, eventsPerSecond int) (string, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("phoenix: parse url: %w", err)
	}
	switch u.Scheme {
	case constants.HTTPScheme, constants.WebsocketScheme:
		u.Scheme = constants.WebsocketScheme
	case constants.HTTPSecureScheme, constants.WebsocketSecureScheme:
		u.Scheme = constants.WebsocketSecureScheme
	default:
		return "", fmt.Errorf("phoenix: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + realtimePath

	q := url.Values{}
	q.Set("apikey", anonKey)
	q.Set("vsn", protocolVsn)
	if eventsPerSecond > 0 {
		q.Set("eventsPerSecond", strconv.Itoa(eventsPerSecond))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, constants.ErrMissingConfig
	}
	if cfg.EventsPerSecond == 0 {
		cfg.EventsPerSecond = constants.DefaultEventsPerSecond
	}
	endpoint, err := Endpoint(cfg.URL, cfg.AnonKey, cfg.EventsPerSecond)
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint:   endpoint,
		anonKey:    cfg.AnonKey,
		dialer:     cfg.Dialer,
		heartbeat:  cfg.HeartbeatInterval,
		joinAfter:  cfg.JoinTimeout,
		writeAfter: cfg.WriteTimeout,
		buffer:     cfg.Buffer,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		channels:   make(map[string]*channel),
	}
	if c.dialer == nil {
		c.dialer = DefaultDialer
	}
	if c.heartbeat <= 0 {
		c.heartbeat = constants.DefaultHeartbeatInterval
	}
	if c.joinAfter <= 0 {
		c.joinAfter = constants.DefaultJoinTimeout
	}
	if c.writeAfter <= 0 {
		c.writeAfter = constants.DefaultWriteTimeout
	}
	if c.buffer <= 0 {
		c.buffer = defaultBuffer
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribe opens the channel realtime:<id> for filter. The channel is
// joined as soon as the socket is open; a join that is neither accepted nor
// rejected within the join timeout reports Errored.
func (c *Client) Subscribe(_ context.Context, id, resource string, filter feed.Filter) (feed.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, constants.ErrClientClosed
	}
	topic := Topic(id)
	if _, ok := c.channels[topic]; ok {
		return nil, fmt.Errorf("phoenix: channel %s is already subscribed", topic)
	}

	ch := newChannel(id, resource, filter, c.buffer)
	c.channels[topic] = ch
	ch.timer = c.clock.AfterFunc(c.joinAfter, func() {
		c.joinTimedOut(ch)
	})

	c.logger.Debug("phoenix.Client subscribe", "topic", topic, "handle", ch.Handle())

	if c.conn != nil {
		c.joinLocked(c.conn, ch)
	} else {
		c.connectLocked()
	}
	return ch, nil
}

// Unsubscribe leaves the channel of sub and closes its Messages. The leave
// is not acknowledged.
func (c *Client) Unsubscribe(sub feed.Subscription) error {
	ch, ok := sub.(*channel)
	if !ok {
		return fmt.Errorf("%w: %T", constants.ErrUnknownSubscription, sub)
	}

	c.mu.Lock()
	if current, ok := c.channels[ch.topic]; ok && current == ch {
		delete(c.channels, ch.topic)
	}
	ch.stopTimer()
	joinSent := ch.joinRef != ""
	ch.state = stateDone
	conn := c.conn
	ref := c.nextRefLocked()
	c.mu.Unlock()

	ch.release()
	c.logger.Debug("phoenix.Client unsubscribe", "topic", ch.topic, "handle", ch.Handle())

	if conn == nil || !joinSent {
		return nil
	}
	f, err := newFrame(ch.topic, EventLeave, ref, struct{}{})
	if err != nil {
		return err
	}
	if err := c.write(conn, f); err != nil {
		return fmt.Errorf("phoenix: leave %s: %w", ch.topic, err)
	}
	return nil
}

// SetAccessToken sets the token sent with every join and pushes it to the
// joined channels. An empty token reverts to the anon key.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	conn := c.conn
	var frames []*Frame
	if conn != nil {
		for _, ch := range c.channels {
			if ch.state != stateJoined {
				continue
			}
			f, err := newFrame(ch.topic, EventAccessToken, c.nextRefLocked(), tokenPayload{AccessToken: c.accessTokenLocked()})
			if err != nil {
				c.logger.Error("phoenix.Client encode access token", "error", err)
				continue
			}
			frames = append(frames, f)
		}
	}
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.write(conn, f); err != nil {
			c.logger.Warn("phoenix.Client failed to push access token", "topic", f.Topic, "error", err)
		}
	}
}

// Close releases every subscription and closes the socket.
//
// The close message is written with the deadline of ctx, if any. The socket
// is closed locally even if the write fails.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	channels := c.channels
	c.channels = make(map[string]*channel)
	for _, ch := range channels {
		ch.stopTimer()
		ch.state = stateDone
	}
	c.mu.Unlock()

	c.cancel()
	for _, ch := range channels {
		ch.release()
	}

	var err error
	if conn != nil {
		err = c.closeConn(ctx, conn)
	}
	c.wg.Wait()
	return err
}

func (c *Client) closeConn(ctx context.Context, conn *gorilla.Conn) error {
	writeErr := make(chan error, 1)

	go func() {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(c.writeAfter)
		}
		c.writeLock.Lock()
		defer c.writeLock.Unlock()
		if err := conn.SetWriteDeadline(deadline); err != nil {
			writeErr <- err
			return
		}
		writeErr <- conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.logger.Warn("phoenix.Client failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return conn.Close()
}

func (c *Client) nextRefLocked() string {
	c.ref++
	return strconv.FormatUint(c.ref, 10)
}

func (c *Client) accessTokenLocked() string {
	if c.token != "" {
		return c.token
	}
	return c.anonKey
}

func (c *Client) connectLocked() {
	if c.connecting || c.closed {
		return
	}
	c.connecting = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connect()
	}()
}

func (c *Client) connect() {
	ctx, cancel := context.WithTimeout(c.ctx, c.joinAfter)
	defer cancel()

	conn, res, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}

	c.mu.Lock()
	c.connecting = false
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		failed := c.finishAllLocked()
		c.mu.Unlock()

		c.logger.Warn("phoenix.Client dial failed", "error", err, "channels", len(failed))
		c.failAll(failed, fmt.Errorf("%w: %w", constants.ErrNotConnected, err))
		return
	}

	c.conn = conn
	c.heartbeatRef = ""
	done := make(chan struct{})
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(conn, done)
	}()

	for _, ch := range c.channels {
		if ch.state == stateJoining && ch.joinRef == "" {
			c.joinLocked(conn, ch)
		}
	}
	c.mu.Unlock()

	c.logger.Info("phoenix.Client connected", "endpoint", redact(c.endpoint))
}

func (c *Client) joinLocked(conn *gorilla.Conn, ch *channel) {
	ref := c.nextRefLocked()
	f, err := newFrame(ch.topic, EventJoin, ref, joinPayload(ch.filter, c.accessTokenLocked(), ch.Handle()))
	if err != nil {
		c.logger.Error("phoenix.Client encode join", "topic", ch.topic, "error", err)
		return
	}
	f.JoinRef = &ref
	ch.joinRef = ref

	if err := c.write(conn, f); err != nil {
		// the read loop notices the broken socket and fails the channel
		c.logger.Warn("phoenix.Client failed to write join", "topic", ch.topic, "error", err)
	}
}

func (c *Client) write(conn *gorilla.Conn, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.writeAfter)); err != nil {
		return err
	}
	return conn.WriteMessage(gorilla.TextMessage, data)
}

// finishAllLocked moves every unfinished channel to its terminal state and
// returns them.
func (c *Client) finishAllLocked() []*channel {
	var out []*channel
	for _, ch := range c.channels {
		if c.finishLocked(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// finishLocked reports whether ch was not finished yet.
func (c *Client) finishLocked(ch *channel) bool {
	if ch.state == stateDone {
		return false
	}
	ch.state = stateDone
	ch.stopTimer()
	return true
}

func (c *Client) failAll(channels []*channel, err error) {
	for _, ch := range channels {
		ch.deliver(feed.Errored{Err: err})
	}
}

func (c *Client) joinTimedOut(ch *channel) {
	c.mu.Lock()
	if ch.state != stateJoining || ch.timer == nil {
		c.mu.Unlock()
		return
	}
	ch.timer = nil
	c.finishLocked(ch)
	c.mu.Unlock()

	c.logger.Warn("phoenix.Client join timed out", "topic", ch.topic)
	ch.deliver(feed.Errored{Err: constants.ErrJoinTimeout})
}

func (c *Client) heartbeatLoop(conn *gorilla.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.clock.After(c.heartbeat):
		}

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		if c.heartbeatRef != "" {
			c.mu.Unlock()
			c.logger.Warn("phoenix.Client heartbeat timed out, closing socket")
			conn.Close()
			return
		}
		ref := c.nextRefLocked()
		c.heartbeatRef = ref
		c.mu.Unlock()

		f, err := newFrame(TopicPhoenix, EventHeartbeat, ref, struct{}{})
		if err != nil {
			c.logger.Error("phoenix.Client encode heartbeat", "error", err)
			continue
		}
		if err := c.write(conn, f); err != nil {
			c.logger.Warn("phoenix.Client failed to write heartbeat", "error", err)
		}
	}
}

func (c *Client) readLoop(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) disconnected(conn *gorilla.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// closed by Close
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.heartbeatRef = ""
	failed := c.finishAllLocked()
	c.mu.Unlock()

	conn.Close()

	c.logger.Warn("phoenix.Client socket lost", "error", err, "channels", len(failed))
	c.failAll(failed, fmt.Errorf("%w: %w", constants.ErrNotConnected, err))
}

func (c *Client) handleFrame(data []byte) {
	h, err := peek(data)
	if err != nil {
		c.logger.Error("phoenix.Client malformed frame", "error", err, "frame", string(data))
		return
	}

	if h.topic == TopicPhoenix {
		if h.event == EventReply {
			c.mu.Lock()
			if h.ref != "" && h.ref == c.heartbeatRef {
				c.heartbeatRef = ""
			}
			c.mu.Unlock()
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[h.topic]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("phoenix.Client frame for unknown topic", "topic", h.topic, "event", h.event)
		return
	}

	var msg feed.Message
	switch h.event {
	case EventReply:
		if h.ref == "" || h.ref != ch.joinRef || ch.state != stateJoining {
			break
		}
		status, reason := replyStatus(data)
		if status == "ok" {
			ch.state = stateJoined
			ch.stopTimer()
			msg = feed.Joined{}
		} else if c.finishLocked(ch) {
			msg = feed.Errored{Err: fmt.Errorf("%w: %s", constants.ErrJoinRejected, reason)}
		}

	case EventChanges:
		if ch.state == stateDone {
			break
		}
		var p struct {
			Payload changesPayload `json:"payload"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Error("phoenix.Client malformed change", "topic", h.topic, "error", err)
			break
		}
		msg = feed.Changed{Change: p.Payload.Data}

	case EventSystem:
		status, message := systemStatus(data)
		if status == "error" && c.finishLocked(ch) {
			msg = feed.Errored{Err: errors.New(message)}
		}

	case EventError:
		if c.finishLocked(ch) {
			msg = feed.Errored{Err: errors.New("channel error")}
		}

	case EventClose:
		if c.finishLocked(ch) {
			msg = feed.Closed{}
		}
	}
	c.mu.Unlock()

	if msg != nil {
		ch.deliver(msg)
	}
}

// redact hides the apikey of an endpoint in logs.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "redacted")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

var (
	_ feed.Client      = (*Client)(nil)
	_ feed.TokenSetter = (*Client)(nil)
)
