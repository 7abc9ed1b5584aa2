package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

func TestPublishFiltersByResource(t *testing.T) {
	b := New()

	var got []Event
	unsubscribe := b.Subscribe("leads", func(ev Event) {
		got = append(got, ev)
	})
	defer unsubscribe()

	b.Publish(Event{Resource: "leads", Payload: feed.Change{Kind: feed.EventInsert}})
	b.Publish(Event{Resource: "bookings", Payload: feed.Change{Kind: feed.EventInsert}})

	require.Len(t, got, 1)
	assert.Equal(t, "leads", got[0].Resource)
}

func TestPublishOrder(t *testing.T) {
	b := New()

	var order []string
	b.Subscribe("leads", func(ev Event) { order = append(order, "first:"+string(ev.Payload.Kind)) })
	b.SubscribeAll(func(ev Event) { order = append(order, "all:"+string(ev.Payload.Kind)) })
	b.Subscribe("leads", func(ev Event) { order = append(order, "third:"+string(ev.Payload.Kind)) })

	b.Publish(Event{Resource: "leads", Payload: feed.Change{Kind: feed.EventInsert}})
	b.Publish(Event{Resource: "leads", Payload: feed.Change{Kind: feed.EventUpdate}})

	assert.Equal(t, []string{
		"first:INSERT", "all:INSERT", "third:INSERT",
		"first:UPDATE", "all:UPDATE", "third:UPDATE",
	}, order)
}

func TestNoReplayForLateListeners(t *testing.T) {
	b := New()
	b.Publish(Event{Resource: "leads"})

	calls := 0
	b.Subscribe("leads", func(Event) { calls++ })
	assert.Equal(t, 0, calls)

	b.Publish(Event{Resource: "leads"})
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsubscribe := b.Subscribe("services", func(Event) { calls++ })
	require.Equal(t, 1, b.Len())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.Len())

	b.Publish(Event{Resource: "services"})
	assert.Equal(t, 0, calls)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()

	calls := 0
	var unsubscribeSecond func()
	b.Subscribe("leads", func(Event) {
		calls++
		unsubscribeSecond()
	})
	unsubscribeSecond = b.Subscribe("leads", func(Event) { calls++ })

	// the snapshot taken at publish time still includes the second listener
	b.Publish(Event{Resource: "leads"})
	assert.Equal(t, 2, calls)

	b.Publish(Event{Resource: "leads"})
	assert.Equal(t, 3, calls)
}

func TestOnPublish(t *testing.T) {
	b := New()
	b.Subscribe("leads", func(Event) {})
	b.SubscribeAll(func(Event) {})

	delivered := map[string]int{}
	b.OnPublish = func(resource string, n int) { delivered[resource] = n }

	b.Publish(Event{Resource: "leads"})
	b.Publish(Event{Resource: "assessments"})

	assert.Equal(t, map[string]int{"leads": 2, "assessments": 1}, delivered)
}

func TestSubscribePanicsOnMisuse(t *testing.T) {
	b := New()
	assert.Panics(t, func() { b.Subscribe("", func(Event) {}) })
	assert.Panics(t, func() { b.Subscribe("leads", nil) })
}
