package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/shubhamb0439-gif/crm-admin/pkg/bus"
	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
)

const inboxSize = 64

type Config struct {
	// Feed opens the change subscriptions. Its Subscription values must be
	// comparable (pointers in practice).
	Feed feed.Client
	// Bus receives every change event of the current subscriptions.
	Bus *bus.Bus
	// Resources are the watched resources, in the order they are opened.
	Resources []string
	// Schema of the watched resources. Defaults to "public".
	Schema string
	// Policy decides when failed subscriptions are recreated. Defaults to
	// NewFixedDelayPolicy.
	Policy ReconnectPolicy

	// Reader, when set, receives the periodic keep-alive read.
	Reader feed.Reader
	// KeepAliveResource defaults to the first watched resource.
	KeepAliveResource string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// Resynced, when set, is called from the dispatch goroutine when a
	// resource joins again after its subscription failed or was replaced.
	// Changes made in between were not delivered.
	Resynced func(resource string)

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics *Metrics
}

// EntryStatus describes one watched resource.
type EntryStatus struct {
	Resource         string      `json:"resource"`
	SubscriptionID   string      `json:"subscription_id,omitempty"`
	Status           feed.Status `json:"status"`
	ReconnectPending bool        `json:"reconnect_pending"`
	Failures         int         `json:"failures"`
	LastError        string      `json:"last_error,omitempty"`
}

type entry struct {
	resource string
	sub      feed.Subscription
	// stop ends the pump of sub.
	stop     chan struct{}
	status   feed.Status
	failures int
	lastErr  error
	// switching is set while the subscription is being replaced without
	// the registry lock held
	switching bool
	// missed is set once changes may have been lost, until the next join
	missed bool

	timer    clock.Timer
	timerSeq uint64
}

// run is the state of one Initialize..Cleanup cycle.
type run struct {
	tomb      *tomb.Tomb
	inbox     chan command
	keepAlive *keepAlive
}

type command interface{}

type delivered struct {
	sub feed.Subscription
	msg feed.Message
}

type reconnectDue struct {
	resource string
	seq      uint64
}

// Registry keeps exactly one live subscription per watched resource and
// recreates it when it fails.
//
// Messages of every subscription are funnelled into a single dispatch
// goroutine, which publishes change events on the bus in arrival order and
// applies status transitions. Messages from subscriptions that were already
// replaced or released are dropped.
type Registry struct {
	feed      feed.Client
	bus       *bus.Bus
	resources []string
	schema    string
	policy    ReconnectPolicy
	clock     clock.Clock
	logger    logger.Logger
	metrics   *Metrics

	resynced func(string)

	reader     feed.Reader
	kaResource string
	kaInterval time.Duration
	kaTimeout  time.Duration

	mu          sync.Mutex
	initialized bool
	run         *run
	entries     map[string]*entry
	lastStamp   int64
	timerSeq    uint64
}

func New(cfg Config) (*Registry, error) {
	if cfg.Feed == nil {
		return nil, errors.New("realtime: feed client is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("realtime: bus is required")
	}
	if len(cfg.Resources) == 0 {
		return nil, errors.New("realtime: at least one resource must be watched")
	}
	seen := make(map[string]bool, len(cfg.Resources))
	for _, res := range cfg.Resources {
		if res == "" || seen[res] {
			return nil, fmt.Errorf("realtime: invalid or duplicate resource %q", res)
		}
		seen[res] = true
	}

	if cfg.Schema == "" {
		cfg.Schema = constants.DefaultSchema
	}
	if cfg.Policy == nil {
		cfg.Policy = NewFixedDelayPolicy()
	}
	if cfg.KeepAliveResource == "" {
		cfg.KeepAliveResource = cfg.Resources[0]
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = constants.DefaultKeepAliveInterval
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = constants.DefaultKeepAliveTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Registry{
		feed:       cfg.Feed,
		bus:        cfg.Bus,
		resources:  append([]string(nil), cfg.Resources...),
		schema:     cfg.Schema,
		policy:     cfg.Policy,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		resynced:   cfg.Resynced,
		reader:     cfg.Reader,
		kaResource: cfg.KeepAliveResource,
		kaInterval: cfg.KeepAliveInterval,
		kaTimeout:  cfg.KeepAliveTimeout,
		entries:    make(map[string]*entry),
	}, nil
}

// Resources returns the watched resources.
func (r *Registry) Resources() []string {
	return append([]string(nil), r.resources...)
}

// Initialized reports whether Initialize ran since the last Cleanup.
func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Initialize opens one subscription per watched resource and starts the
// keep-alive. It does nothing if the registry is already initialized.
func (r *Registry) Initialize(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Debug("realtime.Registry already initialized")
		return
	}
	r.initialized = true

	rn := &run{
		tomb:  new(tomb.Tomb),
		inbox: make(chan command, inboxSize),
	}
	r.run = rn
	rn.tomb.Go(func() error {
		return r.loop(rn)
	})

	// reconnects wait until the first subscription of a resource is opened
	for _, res := range r.resources {
		r.entries[res] = &entry{resource: res, switching: true}
	}
	for _, res := range r.resources {
		if !r.activeLocked(rn) {
			r.logger.Debug("realtime.Registry cleaned up while initializing")
			return
		}
		r.replaceLocked(ctx, rn, r.entries[res], res+"_changes")
	}
	if !r.activeLocked(rn) {
		return
	}

	if r.reader != nil {
		rn.keepAlive = startKeepAlive(&keepAlive{
			reader:   r.reader,
			resource: r.kaResource,
			interval: r.kaInterval,
			timeout:  r.kaTimeout,
			clock:    r.clock,
			logger:   r.logger,
			metrics:  r.metrics,
		})
	}

	r.logger.Info("realtime.Registry initialized", "resources", len(r.resources))
}

// Reconnect releases the current subscription of resource and opens a new
// one under a fresh name. A failed release is logged and does not stop the
// new subscription from being opened.
func (r *Registry) Reconnect(ctx context.Context, resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		r.logger.Debug("realtime.Registry reconnect ignored, not initialized", "resource", resource)
		return
	}
	e, ok := r.entries[resource]
	if !ok {
		r.logger.Warn("realtime.Registry reconnect of unknown resource", "resource", resource)
		return
	}
	if e.switching {
		r.logger.Debug("realtime.Registry reconnect already in progress", "resource", resource)
		return
	}
	r.reconnectLocked(ctx, r.run, e)
}

// ReconcileAll reconnects every resource whose subscription is not joined.
func (r *Registry) ReconcileAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		r.logger.Debug("realtime.Registry reconcile ignored, not initialized")
		return
	}

	rn := r.run
	n := 0
	for _, res := range r.resources {
		if !r.activeLocked(rn) {
			break
		}
		e, ok := r.entries[res]
		if !ok || e.switching || e.status == feed.StatusJoined {
			continue
		}
		r.reconnectLocked(ctx, rn, e)
		n++
	}
	r.logger.Info("realtime.Registry reconciled", "reconnected", n)
}

// Cleanup cancels pending reconnects, stops the keep-alive, releases every
// subscription and waits for the dispatch goroutine to exit. It does nothing
// if the registry is not initialized. It must not be called from a bus
// listener.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = false
	rn := r.run
	r.run = nil

	var released []feed.Subscription
	for _, res := range r.resources {
		e, ok := r.entries[res]
		if !ok {
			continue
		}
		r.stopTimerLocked(e)
		if sub := r.detachLocked(e); sub != nil {
			released = append(released, sub)
		}
		r.metrics.forget(res)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, sub := range released {
		r.unsubscribe(sub.Resource(), sub)
	}

	if rn.keepAlive != nil {
		rn.keepAlive.stop()
	}
	rn.tomb.Kill(nil)
	if err := rn.tomb.Wait(); err != nil {
		r.logger.Error("realtime.Registry dispatch loop failed", "error", err)
	}

	r.logger.Info("realtime.Registry cleaned up")
}

// Snapshot returns the state of every watched resource, in configuration
// order. It is empty when the registry is not initialized.
func (r *Registry) Snapshot() []EntryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EntryStatus, 0, len(r.entries))
	for _, res := range r.resources {
		e, ok := r.entries[res]
		if !ok {
			continue
		}
		s := EntryStatus{
			Resource:         res,
			Status:           e.status,
			ReconnectPending: e.timer != nil,
			Failures:         e.failures,
		}
		if e.sub != nil {
			s.SubscriptionID = e.sub.ID()
		}
		if e.lastErr != nil {
			s.LastError = e.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

func (r *Registry) activeLocked(rn *run) bool {
	return r.initialized && r.run == rn
}

// nextTopicLocked names a replacement subscription. Names stay unique even
// when two reconnects fall within the same millisecond.
func (r *Registry) nextTopicLocked(resource string) string {
	stamp := r.clock.Now().UnixMilli()
	if stamp <= r.lastStamp {
		stamp = r.lastStamp + 1
	}
	r.lastStamp = stamp
	return fmt.Sprintf("%s_changes_%d", resource, stamp)
}

// replaceLocked releases the subscription of e, if any, and opens a new one
// named id. It is called with r.mu held and returns with it held, but the
// lock is dropped around the feed calls, which may block on the network.
// Messages of the released subscription that arrive meanwhile are dropped
// by dispatch because the entry no longer holds it.
func (r *Registry) replaceLocked(ctx context.Context, rn *run, e *entry, id string) {
	r.stopTimerLocked(e)
	old := r.detachLocked(e)
	if old != nil {
		e.missed = true
	}
	e.switching = true
	r.mu.Unlock()

	r.unsubscribe(e.resource, old)
	sub, err := r.feed.Subscribe(ctx, id, e.resource, feed.AllEvents(r.schema, e.resource))

	r.mu.Lock()
	e.switching = false

	if !r.activeLocked(rn) || r.entries[e.resource] != e {
		r.logger.Debug("realtime.Registry dropping subscription opened during cleanup", "resource", e.resource, "id", id)
		if err == nil {
			r.mu.Unlock()
			r.unsubscribe(e.resource, sub)
			r.mu.Lock()
		}
		return
	}
	if err != nil {
		r.logger.Error("realtime.Registry subscribe failed", "resource", e.resource, "id", id, "error", err)
		r.failLocked(rn, e, feed.StatusErrored, err)
		return
	}

	e.sub = sub
	e.stop = make(chan struct{})
	e.status = feed.StatusConnecting
	r.metrics.status(e.resource, e.status)

	stop := e.stop
	rn.tomb.Go(func() error {
		return r.pump(rn, sub, stop)
	})

	r.logger.Debug("realtime.Registry subscribed", "resource", e.resource, "id", id)
}

// detachLocked stops the pump of the current subscription of e and returns
// it for unsubscribe, which the caller does once r.mu is released.
func (r *Registry) detachLocked(e *entry) feed.Subscription {
	if e.sub == nil {
		return nil
	}
	sub := e.sub
	close(e.stop)
	e.sub = nil
	e.stop = nil
	return sub
}

// unsubscribe releases sub. Failures are logged only.
func (r *Registry) unsubscribe(resource string, sub feed.Subscription) {
	if sub == nil {
		return
	}
	if err := r.feed.Unsubscribe(sub); err != nil {
		r.logger.Warn("realtime.Registry release failed", "resource", resource, "id", sub.ID(), "error", err)
	}
}

func (r *Registry) reconnectLocked(ctx context.Context, rn *run, e *entry) {
	r.metrics.reconnect(e.resource)
	r.replaceLocked(ctx, rn, e, r.nextTopicLocked(e.resource))
}

func (r *Registry) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// failLocked records a failed status and schedules a reconnect unless one
// is already pending for the resource.
func (r *Registry) failLocked(rn *run, e *entry, status feed.Status, err error) {
	e.status = status
	e.missed = true
	if err != nil {
		e.lastErr = err
	}
	r.metrics.status(e.resource, status)

	if e.timer != nil {
		r.logger.Debug("realtime.Registry reconnect already pending", "resource", e.resource)
		return
	}

	delay, ok := r.policy.Decide(status, e.failures)
	if !ok {
		r.logger.Warn("realtime.Registry giving up on resource", "resource", e.resource, "failures", e.failures)
		return
	}
	e.failures++

	r.timerSeq++
	due := reconnectDue{resource: e.resource, seq: r.timerSeq}
	e.timerSeq = due.seq
	e.timer = r.clock.AfterFunc(delay, func() {
		go r.post(rn, due)
	})

	r.logger.Info("realtime.Registry reconnect scheduled",
		"resource", e.resource, "status", status, "delay", delay, "attempt", e.failures)
}

func (r *Registry) post(rn *run, cmd command) {
	select {
	case rn.inbox <- cmd:
	case <-rn.tomb.Dying():
	}
}

// pump forwards the messages of one subscription to the dispatch loop until
// the subscription is released or the run ends.
func (r *Registry) pump(rn *run, sub feed.Subscription, stop <-chan struct{}) error {
	msgs := sub.Messages()
	for {
		var msg feed.Message
		select {
		case <-rn.tomb.Dying():
			return nil
		case <-stop:
			return nil
		case m, ok := <-msgs:
			if !ok {
				select {
				case <-stop:
					return nil
				default:
				}
				// the feed ended the subscription without a final status
				m = feed.Closed{}
				stop = nil
				msgs = nil
				r.logger.Debug("realtime.Registry subscription ended by feed", "id", sub.ID())
			}
			msg = m
		}

		select {
		case rn.inbox <- delivered{sub: sub, msg: msg}:
		case <-stop:
			return nil
		case <-rn.tomb.Dying():
			return nil
		}

		if msgs == nil {
			return nil
		}
	}
}

func (r *Registry) loop(rn *run) error {
	for {
		select {
		case <-rn.tomb.Dying():
			return nil
		case cmd := <-rn.inbox:
			switch c := cmd.(type) {
			case delivered:
				r.dispatch(rn, c)
			case reconnectDue:
				r.reconnectDue(rn, c)
			default:
				panic(fmt.Sprintf("BUG: unknown registry command %T", cmd))
			}
		}
	}
}

func (r *Registry) dispatch(rn *run, d delivered) {
	r.mu.Lock()
	if !r.activeLocked(rn) {
		r.mu.Unlock()
		return
	}
	e, ok := r.entries[d.sub.Resource()]
	if !ok || e.sub != d.sub {
		r.mu.Unlock()
		r.logger.Debug("realtime.Registry dropping message of released subscription", "id", d.sub.ID(), "message", fmt.Sprintf("%T", d.msg))
		return
	}

	if changed, ok := d.msg.(feed.Changed); ok {
		resource := e.resource
		r.mu.Unlock()

		r.metrics.event(resource, changed.Change.Kind)
		r.bus.Publish(bus.Event{Resource: resource, Payload: changed.Change})
		return
	}
	status, ok := feed.StatusOf(d.msg)
	if !ok {
		r.mu.Unlock()
		return
	}

	resynced := false
	switch status {
	case feed.StatusJoined:
		e.status = status
		e.failures = 0
		e.lastErr = nil
		resynced, e.missed = e.missed, false
		r.metrics.status(e.resource, status)
		r.logger.Info("realtime.Registry subscription joined", "resource", e.resource, "id", d.sub.ID())
	case feed.StatusErrored, feed.StatusClosed:
		var err error
		if m, ok := d.msg.(feed.Errored); ok {
			err = m.Err
		}
		r.logger.Warn("realtime.Registry subscription failed", "resource", e.resource, "id", d.sub.ID(), "status", status, "error", err)
		r.failLocked(rn, e, status, err)
	}
	resource := e.resource
	r.mu.Unlock()

	if resynced && r.resynced != nil {
		r.logger.Debug("realtime.Registry resource resynced", "resource", resource)
		r.resynced(resource)
	}
}

func (r *Registry) reconnectDue(rn *run, due reconnectDue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLocked(rn) {
		return
	}
	e, ok := r.entries[due.resource]
	if !ok || e.switching || e.timer == nil || e.timerSeq != due.seq {
		return
	}
	e.timer = nil
	r.reconnectLocked(context.Background(), rn, e)
}
