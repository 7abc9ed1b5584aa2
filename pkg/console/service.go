// Package console assembles the realtime synchronization service of the CRM
// admin console: the backend clients, the subscription registry with its
// auth and network bridges, the change bus, the query cache with its views
// and an HTTP status surface.
package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/shubhamb0439-gif/crm-admin/pkg/auth"
	"github.com/shubhamb0439-gif/crm-admin/pkg/bus"
	"github.com/shubhamb0439-gif/crm-admin/pkg/cache"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed/phoenix"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
	"github.com/shubhamb0439-gif/crm-admin/pkg/netwatch"
	"github.com/shubhamb0439-gif/crm-admin/pkg/realtime"
	"github.com/shubhamb0439-gif/crm-admin/pkg/rest"
)

// AdminTable holds the emails allowed to sign in.
const AdminTable = "admin_users"

const shutdownTimeout = 5 * time.Second

var ErrAlreadyStarted = errors.New("console: service already started")

// Service owns every component of the console. Create it with New, then
// Start and Stop it once.
type Service struct {
	cfg    Config
	clock  clock.Clock
	logger logger.Logger

	rest     *rest.Client
	realtime *phoenix.Client
	auth     *auth.Client
	bus      *bus.Bus
	cache    *cache.Cache
	registry *realtime.Registry
	views    *Views
	metrics  *prometheus.Registry

	authBridge    *realtime.AuthBridge
	networkBridge *realtime.NetworkBridge

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	watcher  *netwatch.Watcher
	server   *http.Server
	listener net.Listener
}

// New builds the service. Nothing connects until Start.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := Defaults()
	if len(cfg.Resources) == 0 {
		cfg.Resources = defaults.Resources
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	policy, err := cfg.reconnectPolicy()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		bus:     bus.New(),
		metrics: prometheus.NewRegistry(),
	}
	s.metrics.MustRegister(collectors.NewGoCollector())

	s.rest, err = rest.New(rest.Config{URL: cfg.URL, AnonKey: cfg.AnonKey, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	s.realtime, err = phoenix.New(phoenix.Config{
		URL:               cfg.URL,
		AnonKey:           cfg.AnonKey,
		HeartbeatInterval: cfg.HeartbeatInterval,
		JoinTimeout:       cfg.JoinTimeout,
		EventsPerSecond:   cfg.EventsPerSecond,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s.auth, err = auth.New(auth.Config{
		URL:     cfg.URL,
		AnonKey: cfg.AnonKey,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		IsAdmin: auth.AdminTable(s.rest, AdminTable),
	})
	if err != nil {
		return nil, err
	}

	s.cache, err = cache.New(cache.Config{
		Size:      cfg.CacheSize,
		StaleTime: cfg.StaleTime,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crm_bus",
		Name:      "deliveries_total",
		Help:      "Change events delivered to listeners, by resource.",
	}, []string{"resource"})
	s.metrics.MustRegister(delivered)
	s.bus.OnPublish = func(resource string, n int) {
		delivered.WithLabelValues(resource).Add(float64(n))
	}

	invalidated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crm_cache",
		Name:      "invalidations_total",
		Help:      "Cached query results marked stale or dropped, by resource.",
	}, []string{"resource"})
	s.metrics.MustRegister(invalidated)
	s.cache.OnInvalidate(func(k cache.Key) {
		invalidated.WithLabelValues(k.Resource).Inc()
	})

	s.registry, err = realtime.New(realtime.Config{
		Feed:              s.realtime,
		Bus:               s.bus,
		Resources:         cfg.Resources,
		Schema:            cfg.Schema,
		Policy:            policy,
		Reader:            s.rest,
		KeepAliveInterval: cfg.KeepAliveInterval,
		KeepAliveTimeout:  cfg.KeepAliveTimeout,
		Resynced: func(resource string) {
			s.cache.InvalidateResource(resource)
		},
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: realtime.NewMetrics(s.metrics),
	})
	if err != nil {
		return nil, err
	}

	s.views, err = NewViews(s.rest, s.bus, s.cache, cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	s.authBridge = &realtime.AuthBridge{
		Registry: s.registry,
		Tokens:   []feed.TokenSetter{s.rest, s.realtime},
		Cache:    s.cache,
		Logger:   cfg.Logger,
	}
	s.networkBridge = &realtime.NetworkBridge{Registry: s.registry, Logger: cfg.Logger}
	return s, nil
}

func (s *Service) Registry() *realtime.Registry { return s.registry }
func (s *Service) Bus() *bus.Bus                { return s.bus }
func (s *Service) Cache() *cache.Cache          { return s.cache }
func (s *Service) Views() *Views                { return s.views }
func (s *Service) Auth() *auth.Client           { return s.auth }

// Gatherer exposes the service's metrics.
func (s *Service) Gatherer() prometheus.Gatherer { return s.metrics }

// Addr is the address the status handler listens on, once started.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start runs the bridges, the network watcher and the status server. With
// credentials configured it signs in, which opens the subscriptions through
// the auth bridge; otherwise the subscriptions are opened right away with
// the anon key. Stop must be called even when Start fails to sign in.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true

	var err error
	if s.cfg.ListenAddr != "" {
		s.listener, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("console: listen %s: %w", s.cfg.ListenAddr, err)
		}
		s.server = &http.Server{
			Handler:           NewHandler(s),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	s.watcher = netwatch.New(netwatch.Config{
		Prober:   s.rest,
		Interval: s.cfg.NetCheckInterval,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	watcher := s.watcher
	g.Go(func() error {
		return s.authBridge.Run(gctx, s.auth.Transitions())
	})
	g.Go(func() error {
		return s.networkBridge.Run(gctx, watcher.Changes())
	})
	if s.server != nil {
		server, listener := s.server, s.listener
		g.Go(func() error {
			s.logger.Info("console.Service serving status", "addr", listener.Addr().String())
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("console: serve: %w", err)
			}
			return nil
		})
	}
	s.mu.Unlock()

	if s.cfg.Email == "" {
		s.registry.Initialize(runCtx)
		return nil
	}
	if _, err := s.auth.SignIn(ctx, s.cfg.Email, s.cfg.Password); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

// SignIn signs in as an admin. The subscriptions follow the new session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	return s.auth.SignIn(ctx, email, password)
}

// SignOut ends the session and tears the subscriptions down.
func (s *Service) SignOut(ctx context.Context) error {
	return s.auth.SignOut(ctx)
}

// Stop shuts every component down. It waits for background goroutines up to
// the deadline of ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var errs []error

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("console: shutdown: %w", err))
		}
		cancel()
	}

	s.cancel()
	s.auth.Close()
	if err := s.watcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}

	s.registry.Cleanup()
	s.views.Close()
	if err := s.realtime.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("console: close realtime: %w", err))
	}

	s.logger.Info("console.Service stopped")
	return errors.Join(errs...)
}

// Status is the snapshot served on /status.
type Status struct {
	Initialized   bool                   `json:"initialized"`
	Connected     bool                   `json:"connected"`
	Network       string                 `json:"network"`
	SignedIn      string                 `json:"signed_in,omitempty"`
	Subscriptions []realtime.EntryStatus `json:"subscriptions"`
	Cache         cache.Stats            `json:"cache"`
	Listeners     int                    `json:"listeners"`
}

// Status reports the state of every component.
func (s *Service) Status() Status {
	st := Status{
		Initialized:   s.registry.Initialized(),
		Connected:     s.realtime.Connected(),
		Network:       netwatch.Unknown.String(),
		Subscriptions: s.registry.Snapshot(),
		Cache:         s.cache.Stats(),
		Listeners:     s.bus.Len(),
	}
	s.mu.Lock()
	if s.watcher != nil {
		st.Network = s.watcher.State().String()
	}
	s.mu.Unlock()
	if session := s.auth.Session(); session != nil {
		st.SignedIn = session.User.Email
	}
	return st
}
