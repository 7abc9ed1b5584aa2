package realtime

import (
	"math"
	"math/rand"
	"time"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

// ReconnectPolicy decides whether, and after how long, a subscription that
// reached status is recreated.
type ReconnectPolicy interface {
	// Decide is called with the subscription's new status and the number of
	// consecutive failures of its resource since it was last joined
	// (0 for the first failure). It returns the delay before reconnecting and
	// whether to reconnect at all.
	Decide(status feed.Status, attempt int) (time.Duration, bool)
}

// failed reports whether status is terminal for a subscription.
func failed(status feed.Status) bool {
	return status == feed.StatusErrored || status == feed.StatusClosed
}

// FixedDelayPolicy reconnects failed subscriptions after a fixed delay.
type FixedDelayPolicy struct {
	// Delay is the fixed delay before reconnecting
	Delay time.Duration

	// MaxRetries is the maximum number of consecutive attempts (0 for infinite)
	MaxRetries int
}

// NewFixedDelayPolicy returns the default policy: retry forever, every two seconds.
func NewFixedDelayPolicy() *FixedDelayPolicy {
	return &FixedDelayPolicy{Delay: constants.DefaultReconnectDelay}
}

// Decide implements ReconnectPolicy
func (p *FixedDelayPolicy) Decide(status feed.Status, attempt int) (time.Duration, bool) {
	if !failed(status) {
		return 0, false
	}
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, false
	}
	return p.Delay, true
}

// ExponentialBackoffPolicy reconnects failed subscriptions with exponential
// backoff and optional jitter.
type ExponentialBackoffPolicy struct {
	// InitialDelay is the delay before the first reconnect
	InitialDelay time.Duration

	// MaxDelay caps the delay
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier
	Multiplier float64

	// MaxRetries is the maximum number of consecutive attempts (0 for infinite)
	MaxRetries int

	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewExponentialBackoffPolicy starts at the fixed policy's delay and backs
// off to half a minute.
func NewExponentialBackoffPolicy() *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialDelay: constants.DefaultReconnectDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Decide implements ReconnectPolicy
func (p *ExponentialBackoffPolicy) Decide(status feed.Status, attempt int) (time.Duration, bool) {
	if !failed(status) {
		return 0, false
	}
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, false
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * p.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(p.InitialDelay)
		}
	}

	return time.Duration(delay), true
}
