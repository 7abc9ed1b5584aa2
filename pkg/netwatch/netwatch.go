// Package netwatch reports when the backend becomes reachable or unreachable.
package netwatch

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
)

// State is the reachability of the backend.
type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Prober checks that the backend answers.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type Config struct {
	Prober   Prober
	Interval time.Duration
	// Timeout bounds a single probe. Defaults to Interval.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  logger.Logger
}

// Watcher probes the backend every interval and reports a State on Changes
// whenever the result differs from the previous probe. The first probe runs
// immediately and is always reported.
type Watcher struct {
	cfg     Config
	tomb    tomb.Tomb
	changes chan State

	// ctx is cancelled by Kill so an in-flight probe does not delay Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultNetCheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	w := &Watcher{
		cfg:     cfg,
		changes: make(chan State),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.tomb.Go(w.loop)
	return w
}

// Changes delivers state transitions. It is closed when the watcher stops.
func (w *Watcher) Changes() <-chan State {
	return w.changes
}

// State returns the result of the latest probe.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Kill asks the watcher to stop.
func (w *Watcher) Kill() {
	w.cancel()
	w.tomb.Kill(nil)
}

// Wait waits for the watcher to stop.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

// Stop kills the watcher and waits for it.
func (w *Watcher) Stop() error {
	w.Kill()
	return w.Wait()
}

func (w *Watcher) loop() error {
	defer close(w.changes)

	for {
		next := w.probe()

		w.mu.Lock()
		changed := next != w.state
		w.state = next
		w.mu.Unlock()

		if changed {
			w.cfg.Logger.Info("netwatch.Watcher backend reachability changed", "state", next)
			select {
			case w.changes <- next:
			case <-w.tomb.Dying():
				return nil
			}
		}

		select {
		case <-w.tomb.Dying():
			return nil
		case <-w.cfg.Clock.After(w.cfg.Interval):
		}
	}
}

func (w *Watcher) probe() State {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.Timeout)
	defer cancel()

	if err := w.cfg.Prober.Ping(ctx); err != nil {
		w.cfg.Logger.Debug("netwatch.Watcher probe failed", "error", err)
		return Offline
	}
	return Online
}
