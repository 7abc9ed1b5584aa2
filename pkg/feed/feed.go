// Package feed defines the change-feed capability the sync core consumes:
// cancellable per-resource subscriptions that deliver a sequence of
// tagged messages, and cheap point reads.
//
// A Subscription's Messages channel carries, in order, zero or more of
//
//	Joined   the backend acknowledged the subscription
//	Changed  one change notification for the subscribed resource
//	Errored  the subscription failed; no further messages follow except Closed
//	Closed   the subscription ended
//
// and is closed by the Client once the subscription is released.
package feed

import (
	"context"
)

// Filter selects which change notifications a subscription receives.
type Filter struct {
	// Event is the change kind to receive, EventAll for every kind.
	Event EventKind
	// Schema of the watched table.
	Schema string
	// Table is the watched table (resource) name.
	Table string
}

// AllEvents returns the filter for every change kind on schema.table.
func AllEvents(schema, table string) Filter {
	return Filter{Event: EventAll, Schema: schema, Table: table}
}

// Subscription is an opaque handle for one live subscription.
type Subscription interface {
	// ID is the distinguishing name the subscription was opened with.
	ID() string
	// Resource is the watched resource the subscription belongs to.
	Resource() string
	// Messages delivers the subscription's messages in backend order.
	Messages() <-chan Message
}

// Client opens and releases subscriptions.
type Client interface {
	// Subscribe opens a subscription named id for resource. Failures to reach
	// the backend are reported asynchronously as an Errored message; an error
	// is returned only when the client cannot accept subscriptions at all.
	Subscribe(ctx context.Context, id, resource string, filter Filter) (Subscription, error)

	// Unsubscribe releases sub. It does not wait for the backend to
	// acknowledge the release.
	Unsubscribe(sub Subscription) error
}

// Reader answers point reads against a resource.
type Reader interface {
	// PointRead reads at most limit rows' ids of resource.
	PointRead(ctx context.Context, resource string, limit int) error
}

// TokenSetter is implemented by clients that carry the caller's access token
// to the backend.
type TokenSetter interface {
	SetAccessToken(token string)
}
