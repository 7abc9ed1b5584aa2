// Package bus is the process-local broadcast point for change events.
//
// Publish is synchronous: every listener registered at the time of the call
// runs on the publishing goroutine, in registration order, before Publish
// returns. Nothing is buffered or replayed.
package bus

import (
	"sync"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

// Event is a change notification for one resource.
type Event struct {
	Resource string
	Payload  feed.Change
}

// Listener receives events by value.
type Listener func(Event)

type listener struct {
	id       uint64
	resource string // empty matches every resource
	fn       Listener
}

// Bus fans events out to listeners. The zero value is ready to use.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener

	// OnPublish, when set, is called once per published event with the
	// number of listeners it was delivered to. Set it before the first Publish.
	OnPublish func(resource string, delivered int)
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn for events of resource and returns a function that
// removes it. The returned function may be called more than once.
func (b *Bus) Subscribe(resource string, fn Listener) (unsubscribe func()) {
	if resource == "" {
		panic("BUG: bus.Subscribe requires a resource, use SubscribeAll")
	}
	return b.add(resource, fn)
}

// SubscribeAll registers fn for events of every resource.
func (b *Bus) SubscribeAll(fn Listener) (unsubscribe func()) {
	return b.add("", fn)
}

func (b *Bus) add(resource string, fn Listener) func() {
	if fn == nil {
		panic("BUG: bus listener must not be nil")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, resource: resource, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			// copy so that a Publish iterating the old slice is unaffected
			next := make([]listener, 0, len(b.listeners)-1)
			next = append(next, b.listeners[:i]...)
			next = append(next, b.listeners[i+1:]...)
			b.listeners = next
			return
		}
	}
}

// Publish delivers ev to the listeners registered for ev.Resource and to
// every SubscribeAll listener, in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	snapshot := b.listeners
	onPublish := b.OnPublish
	b.mu.RUnlock()

	delivered := 0
	for _, l := range snapshot {
		if l.resource != "" && l.resource != ev.Resource {
			continue
		}
		l.fn(ev)
		delivered++
	}

	if onPublish != nil {
		onPublish(ev.Resource, delivered)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
