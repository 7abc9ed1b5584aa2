package realtime

import (
	"context"

	"github.com/shubhamb0439-gif/crm-admin/pkg/auth"
	"github.com/shubhamb0439-gif/crm-admin/pkg/cache"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
	"github.com/shubhamb0439-gif/crm-admin/pkg/netwatch"
)

// Lifecycle is the part of Registry the bridges drive.
type Lifecycle interface {
	Initialized() bool
	Initialize(ctx context.Context)
	ReconcileAll(ctx context.Context)
	Cleanup()
}

var _ Lifecycle = (*Registry)(nil)

// AuthBridge applies auth transitions to the registry: a sign-in brings
// every subscription up, a sign-out tears them all down, and every new
// access token is handed to Tokens.
type AuthBridge struct {
	Registry Lifecycle
	// Tokens receive the access token on sign-in and refresh, and an empty
	// token on sign-out.
	Tokens []feed.TokenSetter
	// Cache, when set, is purged on sign-in and sign-out: its results were
	// read with the previous session's token.
	Cache  *cache.Cache
	Logger logger.Logger
}

func (b *AuthBridge) log() logger.Logger {
	if b.Logger == nil {
		return logger.Nop()
	}
	return b.Logger
}

func (b *AuthBridge) setToken(token string) {
	for _, t := range b.Tokens {
		t.SetAccessToken(token)
	}
}

func (b *AuthBridge) purge() {
	if b.Cache == nil {
		return
	}
	if n := b.Cache.Purge(); n > 0 {
		b.log().Info("realtime.AuthBridge dropped cached results of previous session", "entries", n)
	}
}

// Handle applies one transition.
func (b *AuthBridge) Handle(ctx context.Context, tr auth.Transition) {
	b.log().Info("realtime.AuthBridge transition", "event", tr.Event)

	switch tr.Event {
	case auth.SignedIn:
		if tr.Session != nil {
			b.setToken(tr.Session.AccessToken)
		}
		b.purge()
		if !b.Registry.Initialized() {
			b.Registry.Initialize(ctx)
			return
		}
		b.Registry.ReconcileAll(ctx)
	case auth.TokenRefreshed:
		if tr.Session != nil {
			b.setToken(tr.Session.AccessToken)
		}
	case auth.SignedOut:
		b.Registry.Cleanup()
		b.setToken("")
		b.purge()
	}
}

// Run handles transitions until ctx is done or the channel is closed.
func (b *AuthBridge) Run(ctx context.Context, transitions <-chan auth.Transition) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-transitions:
			if !ok {
				return nil
			}
			b.Handle(ctx, tr)
		}
	}
}

// NetworkBridge reconciles the registry when the backend becomes reachable
// again after being unreachable.
type NetworkBridge struct {
	Registry Lifecycle
	Logger   logger.Logger

	last netwatch.State
}

// Handle applies one reachability change.
func (b *NetworkBridge) Handle(ctx context.Context, s netwatch.State) {
	log := b.Logger
	if log == nil {
		log = logger.Nop()
	}

	prev := b.last
	b.last = s

	switch s {
	case netwatch.Offline:
		log.Warn("realtime.NetworkBridge backend unreachable")
	case netwatch.Online:
		if prev != netwatch.Offline {
			return
		}
		log.Info("realtime.NetworkBridge backend reachable again, reconciling")
		b.Registry.ReconcileAll(ctx)
	}
}

// Run handles changes until ctx is done or the channel is closed.
func (b *NetworkBridge) Run(ctx context.Context, changes <-chan netwatch.State) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-changes:
			if !ok {
				return nil
			}
			b.Handle(ctx, s)
		}
	}
}
