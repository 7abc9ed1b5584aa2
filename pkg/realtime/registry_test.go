package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shubhamb0439-gif/crm-admin/internal/feedtest"
	"github.com/shubhamb0439-gif/crm-admin/pkg/bus"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

var (
	watched = []string{"leads", "consultancy_bookings_v2", "assessments", "services"}
	epoch   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

const waitFor = time.Second

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) add(e bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bus.Event(nil), l.events...)
}

type harness struct {
	t      *testing.T
	feed   *feedtest.Client
	reader *feedtest.Reader
	bus    *bus.Bus
	clk    *testclock.Clock
	reg    *Registry
	events *eventLog
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		feed:   &feedtest.Client{},
		bus:    bus.New(),
		clk:    testclock.NewClock(epoch),
		events: &eventLog{},
	}
	h.bus.SubscribeAll(h.events.add)

	cfg := Config{
		Feed:      h.feed,
		Bus:       h.bus,
		Resources: watched,
		Clock:     h.clk,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if r, ok := cfg.Reader.(*feedtest.Reader); ok {
		h.reader = r
	}

	reg, err := New(cfg)
	require.NoError(t, err)
	h.reg = reg
	t.Cleanup(reg.Cleanup)
	return h
}

func withKeepAlive(cfg *Config) {
	cfg.Reader = &feedtest.Reader{}
}

func (h *harness) entry(resource string) EntryStatus {
	for _, s := range h.reg.Snapshot() {
		if s.Resource == resource {
			return s
		}
	}
	h.t.Fatalf("no entry for %s", resource)
	return EntryStatus{}
}

func (h *harness) send(resource string, m feed.Message) {
	h.t.Helper()
	require.True(h.t, h.feed.Current(resource).Send(m), "subscription of %s was released", resource)
}

func (h *harness) join(resource string) {
	h.t.Helper()
	h.send(resource, feed.Joined{})
	require.Eventually(h.t, func() bool {
		return h.entry(resource).Status == feed.StatusJoined
	}, waitFor, time.Millisecond)
}

func (h *harness) fail(resource string, m feed.Message) {
	h.t.Helper()
	h.send(resource, m)
	require.Eventually(h.t, func() bool {
		return h.entry(resource).ReconnectPending
	}, waitFor, time.Millisecond)
}

func (h *harness) subscriptions(resource string) int {
	return len(h.feed.Subscriptions(resource))
}

// awaitSubscriptions waits until resource had n subscriptions opened and the
// newest one is the registry's current one.
func (h *harness) awaitSubscriptions(resource string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.subscriptions(resource) == n && h.entry(resource).SubscriptionID == h.feed.Current(resource).ID()
	}, waitFor, time.Millisecond)
}

func change(table, id string) feed.Change {
	return feed.Change{
		Kind:   feed.EventInsert,
		Schema: "public",
		Table:  table,
		Record: []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Bus: bus.New(), Resources: watched})
	assert.Error(t, err)

	_, err = New(Config{Feed: &feedtest.Client{}, Resources: watched})
	assert.Error(t, err)

	_, err = New(Config{Feed: &feedtest.Client{}, Bus: bus.New()})
	assert.Error(t, err)

	_, err = New(Config{Feed: &feedtest.Client{}, Bus: bus.New(), Resources: []string{"leads", "leads"}})
	assert.Error(t, err)
}

func TestInitializeOpensOneSubscriptionPerResource(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	subs := h.feed.Subscriptions("")
	require.Len(t, subs, len(watched))
	for i, res := range watched {
		assert.Equal(t, res+"_changes", subs[i].ID())
		assert.Equal(t, res, subs[i].Resource())
		assert.Equal(t, feed.AllEvents("public", res), subs[i].Filter())
	}

	snap := h.reg.Snapshot()
	require.Len(t, snap, len(watched))
	for i, s := range snap {
		assert.Equal(t, watched[i], s.Resource)
		assert.Equal(t, feed.StatusConnecting, s.Status)
		assert.False(t, s.ReconnectPending)
	}
	assert.True(t, h.reg.Initialized())
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.reg.Initialize(context.Background())

	assert.Len(t, h.feed.Subscriptions(""), len(watched))
	for _, res := range watched {
		assert.Equal(t, 1, h.feed.Live()[res])
	}
}

func TestChangesArePublishedInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.join("leads")

	h.send("leads", feed.Changed{Change: change("leads", "1")})
	h.send("leads", feed.Changed{Change: change("leads", "2")})
	h.send("leads", feed.Changed{Change: change("leads", "3")})

	require.Eventually(t, func() bool { return len(h.events.all()) == 3 }, waitFor, time.Millisecond)
	for i, e := range h.events.all() {
		assert.Equal(t, "leads", e.Resource)
		assert.JSONEq(t, fmt.Sprintf(`{"id":"%d"}`, i+1), string(e.Payload.Record))
	}
}

func TestChangesCarryTheirResource(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	var got []string
	var mu sync.Mutex
	h.bus.Subscribe("assessments", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Resource)
	})

	h.send("services", feed.Changed{Change: change("services", "s")})
	h.send("assessments", feed.Changed{Change: change("assessments", "a")})

	require.Eventually(t, func() bool { return len(h.events.all()) == 2 }, waitFor, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"assessments"}, got)
}

func TestFailureReconnectsAfterFixedDelay(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  feed.Message
		want feed.Status
	}{
		{"errored", feed.Errored{Err: errors.New("channel error")}, feed.StatusErrored},
		{"closed", feed.Closed{}, feed.StatusClosed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.reg.Initialize(context.Background())
			h.join("leads")
			old := h.feed.Current("leads")

			h.fail("leads", tc.msg)
			assert.Equal(t, tc.want, h.entry("leads").Status)

			require.NoError(t, h.clk.WaitAdvance(2*time.Second-time.Millisecond, waitFor, 1))
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 1, h.subscriptions("leads"))
			assert.False(t, old.Released())

			h.clk.Advance(time.Millisecond)
			h.awaitSubscriptions("leads", 2)

			replacement := h.feed.Current("leads")
			assert.Equal(t, fmt.Sprintf("leads_changes_%d", epoch.Add(2*time.Second).UnixMilli()), replacement.ID())
			assert.True(t, old.Released())
			assert.Equal(t, 1, h.feed.Live()["leads"])

			ops := h.feed.Ops()
			assert.Equal(t, []string{"unsubscribe leads_changes", "subscribe " + replacement.ID()}, ops[len(ops)-2:])

			s := h.entry("leads")
			assert.Equal(t, feed.StatusConnecting, s.Status)
			assert.False(t, s.ReconnectPending)
			assert.Equal(t, replacement.ID(), s.SubscriptionID)

			// the other resources are untouched
			for _, res := range watched[1:] {
				assert.Equal(t, 1, h.subscriptions(res))
			}
		})
	}
}

func TestSecondFailureWhilePendingDoesNotReschedule(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	h.fail("leads", feed.Errored{Err: errors.New("first")})
	require.NoError(t, h.clk.WaitAdvance(100*time.Millisecond, waitFor, 1))

	h.send("leads", feed.Errored{Err: errors.New("second")})
	require.Eventually(t, func() bool { return h.entry("leads").LastError == "second" }, waitFor, time.Millisecond)
	assert.Equal(t, 1, h.entry("leads").Failures)

	require.NoError(t, h.clk.WaitAdvance(1900*time.Millisecond, waitFor, 1))
	h.awaitSubscriptions("leads", 2)

	h.clk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.subscriptions("leads"))
}

func TestJoinResetsFailures(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	h.fail("services", feed.Closed{})
	require.NoError(t, h.clk.WaitAdvance(2*time.Second, waitFor, 1))
	h.awaitSubscriptions("services", 2)
	assert.Equal(t, 1, h.entry("services").Failures)

	h.join("services")
	s := h.entry("services")
	assert.Equal(t, 0, s.Failures)
	assert.Empty(t, s.LastError)
}

func TestRetriesForever(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	for i := 1; i <= 5; i++ {
		h.fail("assessments", feed.Errored{Err: errors.New("still down")})
		require.NoError(t, h.clk.WaitAdvance(2*time.Second, waitFor, 1))
		h.awaitSubscriptions("assessments", i+1)
	}
	assert.Equal(t, 5, h.entry("assessments").Failures)
	assert.Equal(t, 1, h.feed.Live()["assessments"])
}

func TestMessagesOfReleasedSubscriptionAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.join("leads")

	old := h.feed.Current("leads")
	h.reg.Reconnect(context.Background(), "leads")
	require.True(t, old.Released())

	h.reg.mu.Lock()
	rn := h.reg.run
	h.reg.mu.Unlock()

	// as if they had been queued before the release
	h.reg.dispatch(rn, delivered{sub: old, msg: feed.Errored{Err: errors.New("late")}})
	h.reg.dispatch(rn, delivered{sub: old, msg: feed.Changed{Change: change("leads", "late")}})

	s := h.entry("leads")
	assert.Equal(t, feed.StatusConnecting, s.Status)
	assert.False(t, s.ReconnectPending)
	assert.Empty(t, h.events.all())
}

func TestReconnectReleasesBeforeReplacing(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	h.reg.Reconnect(context.Background(), "leads")
	h.reg.Reconnect(context.Background(), "leads")

	subs := h.feed.Subscriptions("leads")
	require.Len(t, subs, 3)
	// reconnects within one millisecond still get distinct names
	assert.Equal(t, fmt.Sprintf("leads_changes_%d", epoch.UnixMilli()), subs[1].ID())
	assert.Equal(t, fmt.Sprintf("leads_changes_%d", epoch.UnixMilli()+1), subs[2].ID())

	assert.Equal(t, 1, h.feed.Live()["leads"])
	ops := h.feed.Ops()
	assert.Equal(t, []string{
		"unsubscribe leads_changes",
		"subscribe " + subs[1].ID(),
		"unsubscribe " + subs[1].ID(),
		"subscribe " + subs[2].ID(),
	}, ops[len(watched):])
}

func TestReconnectWhenReleaseFails(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.feed.FailUnsubscribe(errors.New("socket gone"))

	h.reg.Reconnect(context.Background(), "services")

	assert.Equal(t, 2, h.subscriptions("services"))
	assert.Equal(t, h.feed.Current("services").ID(), h.entry("services").SubscriptionID)
}

func TestSlowReleaseDoesNotBlockRegistry(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.join("services")

	gate := make(chan struct{})
	h.feed.BlockUnsubscribe(gate)

	reconnected := make(chan struct{})
	go func() {
		defer close(reconnected)
		h.reg.Reconnect(context.Background(), "leads")
	}()
	require.Eventually(t, func() bool {
		ops := h.feed.Ops()
		return ops[len(ops)-1] == "unsubscribe leads_changes"
	}, waitFor, time.Millisecond)

	// status, dispatch and other reconnects go on while the leave is stuck
	assert.Empty(t, h.entry("leads").SubscriptionID)
	h.send("services", feed.Changed{Change: change("services", "s1")})
	require.Eventually(t, func() bool { return len(h.events.all()) == 1 }, waitFor, time.Millisecond)
	h.reg.Reconnect(context.Background(), "leads")
	assert.Equal(t, 1, h.subscriptions("leads"))

	h.feed.BlockUnsubscribe(nil)
	close(gate)
	<-reconnected
	h.awaitSubscriptions("leads", 2)
	assert.Equal(t, 1, h.feed.Live()["leads"])
}

func TestResyncedAfterMissedChanges(t *testing.T) {
	var mu sync.Mutex
	var resynced []string
	h := newHarness(t, func(cfg *Config) {
		cfg.Resynced = func(resource string) {
			mu.Lock()
			defer mu.Unlock()
			resynced = append(resynced, resource)
		}
	})
	got := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), resynced...)
	}

	h.reg.Initialize(context.Background())
	for _, res := range watched {
		h.join(res)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got(), "first joins miss nothing")

	h.fail("leads", feed.Errored{Err: errors.New("channel error")})
	require.NoError(t, h.clk.WaitAdvance(2*time.Second, waitFor, 1))
	h.awaitSubscriptions("leads", 2)
	h.join("leads")
	require.Eventually(t, func() bool { return len(got()) == 1 }, waitFor, time.Millisecond)

	h.reg.Reconnect(context.Background(), "services")
	h.join("services")
	require.Eventually(t, func() bool { return len(got()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"leads", "services"}, got())
}

func TestReconnectUnknownResource(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())

	h.reg.Reconnect(context.Background(), "invoices")
	assert.Len(t, h.feed.Subscriptions(""), len(watched))
}

func TestReconcileAllReconnectsOnlyUnjoined(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.join("leads")
	h.join("services")

	h.reg.ReconcileAll(context.Background())

	assert.Equal(t, 1, h.subscriptions("leads"))
	assert.Equal(t, 2, h.subscriptions("consultancy_bookings_v2"))
	assert.Equal(t, 2, h.subscriptions("assessments"))
	assert.Equal(t, 1, h.subscriptions("services"))
}

func TestReconcileAllCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	for _, res := range watched {
		h.join(res)
	}
	h.fail("leads", feed.Errored{})

	h.reg.ReconcileAll(context.Background())
	assert.Equal(t, 2, h.subscriptions("leads"))
	assert.False(t, h.entry("leads").ReconnectPending)

	h.clk.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.subscriptions("leads"))
}

func TestSubscribeFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.feed.FailSubscribe(errors.New("client closed"))
	h.reg.Initialize(context.Background())

	for _, s := range h.reg.Snapshot() {
		assert.Equal(t, feed.StatusErrored, s.Status)
		assert.True(t, s.ReconnectPending)
		assert.Empty(t, s.SubscriptionID)
	}

	h.feed.FailSubscribe(nil)
	require.NoError(t, h.clk.WaitAdvance(2*time.Second, waitFor, len(watched)))
	for _, res := range watched {
		h.awaitSubscriptions(res, 1)
		assert.True(t, strings.HasPrefix(h.entry(res).SubscriptionID, res+"_changes_"))
	}
}

func TestSubscriptionEndedByFeedIsReconnected(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.join("assessments")

	require.NoError(t, h.feed.Unsubscribe(h.feed.Current("assessments")))
	require.Eventually(t, func() bool { return h.entry("assessments").ReconnectPending }, waitFor, time.Millisecond)
	assert.Equal(t, feed.StatusClosed, h.entry("assessments").Status)

	require.NoError(t, h.clk.WaitAdvance(2*time.Second, waitFor, 1))
	h.awaitSubscriptions("assessments", 2)
}

func TestCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, withKeepAlive)
	h.reg.Initialize(context.Background())
	h.join("leads")
	h.fail("services", feed.Errored{})

	h.reg.Cleanup()

	assert.False(t, h.reg.Initialized())
	assert.Empty(t, h.reg.Snapshot())
	assert.Empty(t, h.feed.Live())

	h.clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.feed.Subscriptions(""), len(watched))
	assert.Empty(t, h.reader.Calls())

	// everything is a no-op until the next Initialize
	h.reg.Cleanup()
	h.reg.Reconnect(context.Background(), "leads")
	h.reg.ReconcileAll(context.Background())
	assert.Len(t, h.feed.Subscriptions(""), len(watched))
}

func TestInitializeAfterCleanupStartsClean(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	h.fail("leads", feed.Closed{})
	h.reg.Cleanup()

	h.reg.Initialize(context.Background())

	subs := h.feed.Subscriptions("")
	require.Len(t, subs, 2*len(watched))
	for i, res := range watched {
		assert.Equal(t, res+"_changes", subs[len(watched)+i].ID())
		s := h.entry(res)
		assert.Equal(t, feed.StatusConnecting, s.Status)
		assert.False(t, s.ReconnectPending)
		assert.Equal(t, 0, s.Failures)
	}

	h.send("leads", feed.Changed{Change: change("leads", "after")})
	require.Eventually(t, func() bool { return len(h.events.all()) == 1 }, waitFor, time.Millisecond)
}

func TestNoEventsAfterCleanup(t *testing.T) {
	h := newHarness(t)
	h.reg.Initialize(context.Background())
	sub := h.feed.Current("leads")

	h.reg.Cleanup()
	assert.False(t, sub.Send(feed.Changed{Change: change("leads", "x")}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.events.all())
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, withKeepAlive)
	h.reg.Initialize(context.Background())

	require.NoError(t, h.clk.WaitAdvance(270*time.Second, waitFor, 1))
	require.Eventually(t, func() bool { return len(h.reader.Calls()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"leads/1"}, h.reader.Calls())

	// failures are only logged
	h.reader.Fail(errors.New("timeout"))
	require.NoError(t, h.clk.WaitAdvance(270*time.Second, waitFor, 1))
	require.Eventually(t, func() bool { return len(h.reader.Calls()) == 2 }, waitFor, time.Millisecond)

	require.NoError(t, h.clk.WaitAdvance(270*time.Second, waitFor, 1))
	require.Eventually(t, func() bool { return len(h.reader.Calls()) == 3 }, waitFor, time.Millisecond)

	assert.True(t, h.reg.Initialized())
	assert.Len(t, h.feed.Subscriptions(""), len(watched))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(cfg *Config) {
		cfg.Metrics = NewMetrics(reg)
	})
	h.reg.Initialize(context.Background())
	h.join("leads")

	h.send("leads", feed.Changed{Change: change("leads", "1")})
	h.send("leads", feed.Changed{Change: change("leads", "2")})
	require.Eventually(t, func() bool { return len(h.events.all()) == 2 }, waitFor, time.Millisecond)

	m := h.reg.metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("leads", "INSERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("leads")))

	h.reg.Reconnect(context.Background(), "leads")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("leads")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("leads")))
}
