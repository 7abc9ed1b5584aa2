package console

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamb0439-gif/crm-admin/internal/fakesupabase"
	"github.com/shubhamb0439-gif/crm-admin/internal/testenv"
	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
	"github.com/shubhamb0439-gif/crm-admin/pkg/realtime"
)

const (
	anonKey = "anon-key"
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	backend *fakesupabase.Server
	clk     *testclock.Clock
	logs    *testenv.LogHandler
	svc     *Service
}

func newBackend() *fakesupabase.Server {
	b := fakesupabase.NewServer(anonKey)
	b.SetTable(TableLeads,
		fakesupabase.Row{"id": "l1", "email": "ada@example.com", "created_at": "2024-01-01T10:00:00Z"},
		fakesupabase.Row{"id": "l2", "email": "alan@example.com", "created_at": "2024-01-02T10:00:00Z"},
	)
	b.SetTable(TableAssessments, fakesupabase.Row{"id": "a1", "email": "ada@example.com", "score": 7})
	b.SetTable(TableBookings, fakesupabase.Row{"id": "b1", "email": "ada@example.com", "created_at": "2024-01-03T10:00:00Z"})
	b.SetTable(TableServices,
		fakesupabase.Row{"id": "s2", "name": "Strategy"},
		fakesupabase.Row{"id": "s1", "name": "Audit"},
	)
	b.AddUser("admin@example.com", "secret", true)
	b.AddUser("user@example.com", "secret", false)
	return b
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		backend: newBackend(),
		clk:     testclock.NewClock(epoch),
		logs:    testenv.NewLogHandler(testenv.WithIgnoreDebug()),
	}
	t.Cleanup(f.backend.Close)

	cfg := Defaults()
	cfg.URL = f.backend.URL()
	cfg.AnonKey = anonKey
	cfg.ListenAddr = "127.0.0.1:0"
	// virtual time only moves when a test advances it
	cfg.HeartbeatInterval = time.Hour
	cfg.JoinTimeout = time.Hour
	cfg.Clock = f.clk
	cfg.Logger = logger.New(f.logs)
	for _, opt := range opts {
		opt(&cfg)
	}

	svc, err := New(cfg)
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, svc.Stop(ctx))
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
}

func (f *fixture) allJoined() bool {
	snap := f.svc.Registry().Snapshot()
	if len(snap) != len(WatchedResources) {
		return false
	}
	for _, e := range snap {
		if e.Status != feed.StatusJoined {
			return false
		}
	}
	return true
}

func (f *fixture) url(path string) string {
	return "http://" + f.svc.Addr() + path
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	res, err := http.Get(f.url(path))
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil && res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func (f *fixture) post(t *testing.T, path, body string) int {
	t.Helper()
	res, err := http.Post(f.url(path), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode
}

// reads counts the backend requests for table.
func (f *fixture) reads(table string) int {
	n := 0
	for _, r := range f.backend.Requests() {
		if r == "GET /rest/v1/"+table {
			n++
		}
	}
	return n
}

func (f *fixture) metrics(t *testing.T) string {
	t.Helper()
	res, err := http.Get(f.url("/metrics"))
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func ids(rows []map[string]any) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		out = append(out, id)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		err     error
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "exponential policy", modify: func(c *Config) { c.Policy = PolicyExponential }},
		{name: "missing url", modify: func(c *Config) { c.URL = "" }, wantErr: true, err: constants.ErrMissingConfig},
		{name: "missing key", modify: func(c *Config) { c.AnonKey = "" }, wantErr: true, err: constants.ErrMissingConfig},
		{name: "email without password", modify: func(c *Config) { c.Email = "a@x" }, wantErr: true},
		{name: "unknown policy", modify: func(c *Config) { c.Policy = "linear" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.URL = "https://proj.example.co"
			cfg.AnonKey = anonKey
			tt.modify(&cfg)

			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestReconnectPolicyFromConfig(t *testing.T) {
	cfg := Defaults()
	cfg.ReconnectDelay = 3 * time.Second

	p, err := cfg.reconnectPolicy()
	require.NoError(t, err)
	require.IsType(t, &realtime.FixedDelayPolicy{}, p)
	assert.Equal(t, 3*time.Second, p.(*realtime.FixedDelayPolicy).Delay)

	cfg.Policy = PolicyExponential
	cfg.MaxDelay = time.Minute
	p, err = cfg.reconnectPolicy()
	require.NoError(t, err)
	require.IsType(t, &realtime.ExponentialBackoffPolicy{}, p)
	assert.Equal(t, time.Minute, p.(*realtime.ExponentialBackoffPolicy).MaxDelay)
}

func TestStartWithAnonKey(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.Eventually(t, f.allJoined, waitFor, tick)
	for _, j := range f.backend.Joins() {
		assert.Equal(t, anonKey, j.AccessToken)
	}
	assert.ErrorIs(t, f.svc.Start(context.Background()), ErrAlreadyStarted)
}

func TestViewsFollowChanges(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Eventually(t, f.allJoined, waitFor, tick)

	var leads []map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/leads", &leads))
	assert.Equal(t, []string{"l2", "l1"}, ids(leads))

	var services []map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/services", &services))
	assert.Equal(t, []string{"s1", "s2"}, ids(services))

	f.backend.Broadcast(TableLeads, feed.EventInsert, fakesupabase.Row{
		"id": "l3", "email": "grace@example.com", "created_at": "2024-01-05T10:00:00Z",
	})
	require.Eventually(t, func() bool {
		var rows []map[string]any
		f.get(t, "/api/leads", &rows)
		return len(rows) == 3 && ids(rows)[0] == "l3"
	}, waitFor, tick)

	// services were not touched and are still served from the cache
	before := f.svc.Cache().Stats().Fetches
	require.Equal(t, http.StatusOK, f.get(t, "/api/services", &services))
	assert.Equal(t, before, f.svc.Cache().Stats().Fetches)
}

func TestKeyedViews(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Eventually(t, f.allJoined, waitFor, tick)

	var row map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/leads/l1", &row))
	assert.Equal(t, "ada@example.com", row["email"])

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/leads/missing", nil))

	require.Equal(t, http.StatusOK, f.get(t, "/api/assessments/ada@example.com", &row))
	assert.Equal(t, "a1", row["id"])

	require.Equal(t, http.StatusOK, f.get(t, "/api/bookings/ada@example.com", &row))
	assert.Equal(t, "b1", row["id"])

	f.backend.Broadcast(TableLeads, feed.EventUpdate, fakesupabase.Row{"id": "l1", "email": "ada@new.example.com"})
	require.Eventually(t, func() bool {
		var r map[string]any
		f.get(t, "/api/leads/l1", &r)
		return r["email"] == "ada@new.example.com"
	}, waitFor, tick)

	f.backend.Broadcast(TableLeads, feed.EventDelete, fakesupabase.Row{"id": "l1"})
	require.Eventually(t, func() bool {
		return f.get(t, "/api/leads/l1", nil) == http.StatusNotFound
	}, waitFor, tick)
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Eventually(t, f.allJoined, waitFor, tick)

	var health map[string]string
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var st struct {
		Initialized   bool `json:"initialized"`
		Connected     bool `json:"connected"`
		Subscriptions []struct {
			Resource string `json:"resource"`
			Status   string `json:"status"`
		} `json:"subscriptions"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/status", &st))
	assert.True(t, st.Initialized)
	assert.True(t, st.Connected)
	require.Len(t, st.Subscriptions, len(WatchedResources))
	for i, sub := range st.Subscriptions {
		assert.Equal(t, WatchedResources[i], sub.Resource)
		assert.Equal(t, "joined", sub.Status)
	}

	f.backend.Broadcast(TableServices, feed.EventInsert, fakesupabase.Row{"id": "s3", "name": "Coaching"})
	require.Eventually(t, func() bool {
		res, err := http.Get(f.url("/metrics"))
		if err != nil {
			return false
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		return strings.Contains(string(body), `crm_realtime_change_events_total{kind="INSERT",resource="services"} 1`)
	}, waitFor, tick)
}

func TestSignInAndOut(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Email = "admin@example.com"
		c.Password = "secret"
	})
	f.start(t)
	require.Eventually(t, f.allJoined, waitFor, tick)

	joins := f.backend.Joins()
	require.NotEmpty(t, joins)
	assert.NotEqual(t, anonKey, joins[0].AccessToken)
	assert.Equal(t, "admin@example.com", f.svc.Status().SignedIn)

	require.Equal(t, http.StatusNoContent, f.post(t, "/api/auth/signout", ""))
	require.Eventually(t, func() bool { return !f.svc.Registry().Initialized() }, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.backend.Leaves()) == len(WatchedResources) }, waitFor, tick)
	assert.Equal(t, http.StatusConflict, f.post(t, "/api/auth/signout", ""))

	assert.Equal(t, http.StatusUnauthorized, f.post(t, "/api/auth/signin", `{"email":"admin@example.com","password":"wrong"}`))
	assert.Equal(t, http.StatusForbidden, f.post(t, "/api/auth/signin", `{"email":"user@example.com","password":"secret"}`))
	assert.False(t, f.svc.Registry().Initialized())

	require.Equal(t, http.StatusOK, f.post(t, "/api/auth/signin", `{"email":"admin@example.com","password":"secret"}`))
	require.Eventually(t, f.allJoined, waitFor, tick)
}

func TestSignOutDropsCachedViews(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Email = "admin@example.com"
		c.Password = "secret"
	})
	f.start(t)
	require.Eventually(t, f.allJoined, waitFor, tick)

	var leads []map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/leads", &leads))
	require.Len(t, leads, 2)
	require.Equal(t, http.StatusOK, f.get(t, "/api/leads", &leads))
	before := f.reads(TableLeads)
	assert.Equal(t, 1, before)

	require.Equal(t, http.StatusNoContent, f.post(t, "/api/auth/signout", ""))
	require.Eventually(t, func() bool {
		return !f.svc.Registry().Initialized() && f.svc.Cache().Len() == 0
	}, waitFor, tick)

	// the first read after sign-out goes to the backend
	require.Equal(t, http.StatusOK, f.get(t, "/api/leads", &leads))
	assert.Equal(t, before+1, f.reads(TableLeads))
	assert.Contains(t, f.metrics(t), `crm_cache_invalidations_total{resource="leads"} 1`)
}

func TestStartNotAdmin(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Email = "user@example.com"
		c.Password = "secret"
	})

	err := f.svc.Start(context.Background())
	assert.ErrorIs(t, err, constants.ErrNotAdmin)
	assert.False(t, f.svc.Registry().Initialized())
}

func TestSocketDropRecovers(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.Eventually(t, f.allJoined, waitFor, tick)
	before := len(f.backend.Joins())
	require.Equal(t, http.StatusOK, f.get(t, "/api/leads", nil))
	reads := f.reads(TableLeads)

	f.backend.DropConnections()
	require.Eventually(t, func() bool { return !f.allJoined() }, waitFor, tick)

	// reconnects are due two virtual seconds after each failure
	require.Eventually(t, func() bool {
		f.clk.Advance(time.Second)
		return f.allJoined()
	}, waitFor, tick)

	assert.Equal(t, before+len(WatchedResources), len(f.backend.Joins()))
	for _, e := range f.svc.Registry().Snapshot() {
		assert.NotEqual(t, e.Resource+"_changes", e.SubscriptionID)
	}
	assert.True(t, f.logs.Contains("socket lost"))

	// changes may have been missed while the channels were down
	require.Eventually(t, func() bool {
		f.get(t, "/api/leads", nil)
		return f.reads(TableLeads) > reads
	}, waitFor, tick)
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.Stop(context.Background()))
}
