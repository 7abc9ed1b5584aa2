package fakesupabase

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed/phoenix"
)

const anonKey = "anon"

func get(t *testing.T, s *Server, path string) (*http.Response, []Row) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL()+path, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("apikey", anonKey)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var rows []Row
	if res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&rows))
	}
	return res, rows
}

func TestServeTable(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()

	s.SetTable("leads",
		Row{"id": "1", "email": "a@x", "created_at": "2024-01-01"},
		Row{"id": "2", "email": "b@x", "created_at": "2024-01-03"},
		Row{"id": "3", "email": "a@x", "created_at": "2024-01-02"},
	)

	_, rows := get(t, s, "/rest/v1/leads?select=id&email=eq.a@x&order=created_at.desc")
	assert.Equal(t, []Row{{"id": "3"}, {"id": "1"}}, rows)

	_, rows = get(t, s, "/rest/v1/leads?select=id&limit=1")
	assert.Len(t, rows, 1)

	res, _ := get(t, s, "/rest/v1/missing")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestServeTableRequiresKey(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()

	res, err := http.Get(s.URL() + "/rest/v1/leads")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestServeToken(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()
	s.AddUser("admin@x", "secret", true)

	post := func(grant, body string) (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, s.URL()+"/auth/v1/token?grant_type="+grant, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("apikey", anonKey)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		return res.StatusCode, out
	}

	status, _ := post("password", `{"email":"admin@x","password":"wrong"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, out := post("password", `{"email":"admin@x","password":"secret"}`)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, out["access_token"])
	refresh, _ := out["refresh_token"].(string)
	require.NotEmpty(t, refresh)

	status, out = post("refresh_token", `{"refresh_token":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, refresh, out["refresh_token"])

	// refresh tokens are single use
	status, _ = post("refresh_token", `{"refresh_token":"`+refresh+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func dial(t *testing.T, s *Server) *gorilla.Conn {
	t.Helper()
	endpoint, err := phoenix.Endpoint(s.URL(), anonKey, 10)
	require.NoError(t, err)
	conn, res, err := gorilla.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	res.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorilla.Conn, topic, event, ref string, payload any) {
	t.Helper()
	f, err := frame(topic, event, ref, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))
}

func recv(t *testing.T, conn *gorilla.Conn) phoenix.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f phoenix.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func joinPayload(table string) phoenix.JoinPayload {
	var p phoenix.JoinPayload
	p.AccessToken = "token"
	p.Config.PostgresChanges = []phoenix.ChangeFilter{{Event: "*", Schema: "public", Table: table}}
	return p
}

func TestRealtimeJoinAndBroadcast(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()
	conn := dial(t, s)

	topic := phoenix.Topic("leads_changes")
	send(t, conn, topic, phoenix.EventJoin, "1", joinPayload("leads"))

	reply := recv(t, conn)
	assert.Equal(t, phoenix.EventReply, reply.Event)
	require.NotNil(t, reply.Ref)
	assert.Equal(t, "1", *reply.Ref)
	assert.Contains(t, string(reply.Payload), `"status":"ok"`)

	system := recv(t, conn)
	assert.Equal(t, phoenix.EventSystem, system.Event)

	assert.Eventually(t, func() bool { return s.Joined(topic) == 1 }, time.Second, 10*time.Millisecond)
	require.Len(t, s.Joins(), 1)
	assert.Equal(t, "token", s.Joins()[0].AccessToken)

	assert.Equal(t, 0, s.Broadcast("services", feed.EventInsert, Row{"id": "s1"}))
	assert.Equal(t, 1, s.Broadcast("leads", feed.EventInsert, Row{"id": "l1"}))

	change := recv(t, conn)
	assert.Equal(t, phoenix.EventChanges, change.Event)
	assert.Contains(t, string(change.Payload), `"type":"INSERT"`)

	_, rows := get(t, s, "/rest/v1/leads")
	assert.Equal(t, []Row{{"id": "l1"}}, rows)
}

func TestRealtimeReject(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()
	conn := dial(t, s)

	topic := phoenix.Topic("leads_changes")
	s.Reject(topic, "no access")
	send(t, conn, topic, phoenix.EventJoin, "1", joinPayload("leads"))

	reply := recv(t, conn)
	assert.Contains(t, string(reply.Payload), `"status":"error"`)
	assert.Contains(t, string(reply.Payload), "no access")
	assert.Equal(t, 0, s.Joined(topic))
}

func TestRealtimeHeartbeat(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()
	conn := dial(t, s)

	send(t, conn, phoenix.TopicPhoenix, phoenix.EventHeartbeat, "7", struct{}{})
	reply := recv(t, conn)
	assert.Equal(t, phoenix.TopicPhoenix, reply.Topic)
	require.NotNil(t, reply.Ref)
	assert.Equal(t, "7", *reply.Ref)
	assert.Equal(t, 1, s.Heartbeats())
}

func TestRealtimeRequiresKey(t *testing.T) {
	s := NewServer(anonKey)
	defer s.Close()

	endpoint, err := phoenix.Endpoint(s.URL(), "wrong", 0)
	require.NoError(t, err)
	_, res, err := gorilla.DefaultDialer.Dial(endpoint, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
