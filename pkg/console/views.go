package console

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shubhamb0439-gif/crm-admin/pkg/bus"
	"github.com/shubhamb0439-gif/crm-admin/pkg/cache"
	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/realtime"
	"github.com/shubhamb0439-gif/crm-admin/pkg/rest"
)

// Tables read by the views.
const (
	TableLeads       = "leads"
	TableAssessments = "assessments"
	TableBookings    = "consultancy_bookings_v2"
	TableServices    = "services"
)

// Views are the queries of the console, each kept fresh by the change
// events of its table.
//
// List views are mounted once. Keyed views are mounted on first use and
// unmounted when evicted, so at most size of them follow the bus.
type Views struct {
	rest  *rest.Client
	bus   *bus.Bus
	cache *cache.Cache

	leads    *realtime.View[[]rest.Row]
	bookings *realtime.View[[]rest.Row]
	services *realtime.View[[]rest.Row]

	mu     sync.Mutex
	keyed  *lru.Cache[cache.Key, *realtime.View[rest.Row]]
	closed bool
}

// NewViews mounts the list views. size bounds the number of keyed views.
func NewViews(rc *rest.Client, b *bus.Bus, c *cache.Cache, size int) (*Views, error) {
	if size <= 0 {
		size = constants.DefaultCacheSize
	}
	keyed, err := lru.NewWithEvict(size, func(_ cache.Key, v *realtime.View[rest.Row]) {
		v.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("console: views: %w", err)
	}

	v := &Views{rest: rc, bus: b, cache: c, keyed: keyed}
	v.leads = v.list(TableLeads, rest.From().Order("created_at", true))
	v.bookings = v.list(TableBookings, rest.From().Order("created_at", true))
	v.services = v.list(TableServices, rest.From().Order("name", false))
	return v, nil
}

func (v *Views) list(table string, q rest.Query) *realtime.View[[]rest.Row] {
	return realtime.Watch(v.bus, v.cache, table, cache.NewKey(table), func(ctx context.Context) ([]rest.Row, error) {
		return v.rest.Rows(ctx, table, q)
	})
}

// single returns the mounted view of the row of table where column = value.
func (v *Views) single(table, name, column, value string) *realtime.View[rest.Row] {
	key := cache.NewKey(table, name, value)

	v.mu.Lock()
	defer v.mu.Unlock()

	if view, ok := v.keyed.Get(key); ok {
		return view
	}
	view := realtime.Watch(v.bus, v.cache, table, key, func(ctx context.Context) (rest.Row, error) {
		return v.rest.MaybeSingle(ctx, table, rest.From().Eq(column, value))
	})
	if v.closed {
		// not tracked, so unmount right away; Get still reads through
		view.Close()
		return view
	}
	v.keyed.Add(key, view)
	return view
}

// Leads lists every lead, newest first.
func (v *Views) Leads() *realtime.View[[]rest.Row] { return v.leads }

// Bookings lists every consultancy booking, newest first.
func (v *Views) Bookings() *realtime.View[[]rest.Row] { return v.bookings }

// Services lists every service by name.
func (v *Views) Services() *realtime.View[[]rest.Row] { return v.services }

// Lead is the lead with id. Its value is nil when there is none.
func (v *Views) Lead(id string) *realtime.View[rest.Row] {
	return v.single(TableLeads, "lead", "id", id)
}

// LeadAssessment is the assessment submitted with email.
func (v *Views) LeadAssessment(email string) *realtime.View[rest.Row] {
	return v.single(TableAssessments, "assessment", "email", email)
}

// LeadBooking is the consultancy booking made with email.
func (v *Views) LeadBooking(email string) *realtime.View[rest.Row] {
	return v.single(TableBookings, "booking", "email", email)
}

// Close unmounts every view.
func (v *Views) Close() {
	v.leads.Close()
	v.bookings.Close()
	v.services.Close()

	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.keyed.Purge()
}
