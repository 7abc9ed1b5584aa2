// Package fakesupabase provides a fake backend for tests: the REST table
// endpoint, the password and refresh-token auth endpoints, and the realtime
// websocket speaking the Phoenix channels protocol.
//
// The realtime endpoint is implemented using the `gws` library.
//
// Tables are plain in-memory rows. Change notifications are pushed with
// Broadcast, and channel failures can be injected per topic.
package fakesupabase

import (
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed/phoenix"
)

// Row is one table row.
type Row = map[string]any

// Join is a recorded phx_join.
type Join struct {
	Topic       string
	Filters     []phoenix.ChangeFilter
	AccessToken string
	PresenceKey string
}

type user struct {
	id       string
	password string
}

// Server is a fake backend. Create it with NewServer and stop it with Close.
type Server struct {
	anonKey  string
	secret   []byte
	upgrader *gws.Upgrader
	http     *httptest.Server

	mu       sync.Mutex
	tables   map[string][]Row
	users    map[string]user
	refresh  map[string]string // refresh token -> email
	sockets  map[*gws.Conn]*socket
	joins    []Join
	leaves   []string
	tokens   []string
	requests []string

	rejected      map[string]string // topic -> reason
	ignored       map[string]bool
	skipHeartbeat bool
	heartbeats    int
	nextID        int64
	issued        int

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration
}

type socket struct {
	// channels maps joined topics to their change filters
	channels map[string][]phoenix.ChangeFilter
}

// NewServer starts a fake backend accepting anonKey.
func NewServer(anonKey string) *Server {
	s := &Server{
		anonKey:  anonKey,
		secret:   []byte("fakesupabase"),
		tables:   make(map[string][]Row),
		users:    make(map[string]user),
		refresh:  make(map[string]string),
		sockets:  make(map[*gws.Conn]*socket),
		rejected: make(map[string]string),
		ignored:  make(map[string]bool),
		TokenTTL: time.Hour,
	}
	s.upgrader = gws.NewUpgrader(&handler{server: s}, &gws.ServerOption{})
	s.http = httptest.NewServer(s.router())
	return s
}

// URL is the project URL of the fake backend.
func (s *Server) URL() string {
	return s.http.URL
}

// AnonKey is the key the server accepts.
func (s *Server) AnonKey() string {
	return s.anonKey
}

// Close drops every websocket and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/realtime/v1/websocket", s.serveRealtime).Methods(http.MethodGet)
	r.HandleFunc("/rest/v1/", s.serveRoot).Methods(http.MethodHead, http.MethodGet)
	r.HandleFunc("/rest/v1/{table}", s.serveTable).Methods(http.MethodGet)
	r.HandleFunc("/auth/v1/token", s.serveToken).Methods(http.MethodPost)
	r.HandleFunc("/auth/v1/logout", s.serveLogout).Methods(http.MethodPost)
	r.Use(s.recordRequests)
	return r
}

func (s *Server) recordRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Requests returns every HTTP request served, as "<method> <path>".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// SetTable replaces the rows of table.
func (s *Server) SetTable(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append([]Row(nil), rows...)
}

// AddUser registers a user that can sign in with password. Admins also get
// a row in admin_users.
func (s *Server) AddUser(email, password string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = user{id: "user-" + strconv.Itoa(len(s.users)+1), password: password}
	if admin {
		s.tables["admin_users"] = append(s.tables["admin_users"], Row{"id": strconv.Itoa(len(s.tables["admin_users"]) + 1), "email": email})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("fakesupabase: write response: %v", err)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	return r.Header.Get("apikey") == s.anonKey
}

func (s *Server) serveRoot(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveTable(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
		return
	}

	table := mux.Vars(r)["table"]
	s.mu.Lock()
	rows, ok := s.tables[table]
	rows = append([]Row(nil), rows...)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"code":    "42P01",
			"message": `relation "public.` + table + `" does not exist`,
		})
		return
	}

	q := r.URL.Query()
	for col, vals := range q {
		switch col {
		case "select", "order", "limit":
			continue
		}
		for _, v := range vals {
			want, ok := strings.CutPrefix(v, "eq.")
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unsupported operator " + v})
				return
			}
			rows = filterEq(rows, col, want)
		}
	}

	if order := q.Get("order"); order != "" {
		sortRows(rows, order)
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	if sel := q.Get("select"); sel != "" && sel != "*" {
		rows = project(rows, strings.Split(sel, ","))
	}

	writeJSON(w, http.StatusOK, rows)
}

func filterEq(rows []Row, col, want string) []Row {
	var out []Row
	for _, row := range rows {
		if v, ok := row[col]; ok && toString(v) == want {
			out = append(out, row)
		}
	}
	return out
}

func sortRows(rows []Row, order string) {
	keys := strings.Split(order, ",")
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			col, dir, _ := strings.Cut(key, ".")
			a, b := toString(rows[i][col]), toString(rows[j][col])
			if a == b {
				continue
			}
			if dir == "desc" {
				return a > b
			}
			return a < b
		}
		return false
	})
}

func project(rows []Row, cols []string) []Row {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		p := make(Row, len(cols))
		for _, c := range cols {
			if v, ok := row[c]; ok {
				p[c] = v
			}
		}
		out = append(out, p)
	}
	return out
}

func toString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
		return
	}

	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "bad_json", "msg": err.Error()})
		return
	}

	var email string
	s.mu.Lock()
	switch r.URL.Query().Get("grant_type") {
	case "password":
		u, ok := s.users[body["email"]]
		if ok && u.password == body["password"] {
			email = body["email"]
		}
	case "refresh_token":
		email = s.refresh[body["refresh_token"]]
		delete(s.refresh, body["refresh_token"])
	}
	if email == "" {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "invalid_credentials", "msg": "Invalid login credentials"})
		return
	}
	u := s.users[email]
	s.issued++
	jti := strconv.Itoa(s.issued)
	refresh := "refresh-" + jti
	s.refresh[refresh] = email
	ttl := s.TokenTTL
	s.mu.Unlock()

	token, err := s.signToken(u.id, email, jti, ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  token,
		"token_type":    "bearer",
		"expires_in":    int64(ttl / time.Second),
		"refresh_token": refresh,
		"user":          map[string]any{"id": u.id, "email": email},
	})
}

func (s *Server) signToken(sub, email, jti string, ttl time.Duration) (string, error) {
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":   sub,
		"email": email,
		"role":  "authenticated",
		"exp":   time.Now().Add(ttl).Unix(),
		"jti":   jti,
	}).SignedString(s.secret)
}

func (s *Server) serveLogout(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveRealtime(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != s.anonKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		log.Printf("fakesupabase: upgrade: %v", err)
		return
	}
	go conn.ReadLoop()
}

func isUseOfClosedNetworkError(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection"))
}
