package fakesupabase

import (
	"log"
	"time"

	"github.com/goccy/go-json"
	"github.com/lxzan/gws"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
	"github.com/shubhamb0439-gif/crm-admin/pkg/feed/phoenix"
)

// handler implements the gws.Event interface for realtime sockets.
type handler struct {
	server *Server
}

func (h *handler) OnOpen(conn *gws.Conn) {
	h.server.mu.Lock()
	h.server.sockets[conn] = &socket{channels: make(map[string][]phoenix.ChangeFilter)}
	h.server.mu.Unlock()
}

func (h *handler) OnClose(conn *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.sockets, conn)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(conn *gws.Conn, payload []byte) {
	if err := conn.WritePong(payload); err != nil {
		log.Printf("fakesupabase: write pong: %v", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(conn *gws.Conn, message *gws.Message) {
	defer message.Close()

	var f phoenix.Frame
	if err := json.Unmarshal(message.Bytes(), &f); err != nil {
		log.Printf("fakesupabase: malformed frame: %v", err)
		return
	}
	ref := ""
	if f.Ref != nil {
		ref = *f.Ref
	}

	s := h.server
	switch f.Event {
	case phoenix.EventHeartbeat:
		s.mu.Lock()
		s.heartbeats++
		skip := s.skipHeartbeat
		s.mu.Unlock()
		if !skip {
			s.reply(conn, f.Topic, ref, "ok", map[string]any{})
		}

	case phoenix.EventJoin:
		h.join(conn, &f, ref)

	case phoenix.EventLeave:
		s.mu.Lock()
		if sock, ok := s.sockets[conn]; ok {
			delete(sock.channels, f.Topic)
		}
		s.leaves = append(s.leaves, f.Topic)
		s.mu.Unlock()
		s.reply(conn, f.Topic, ref, "ok", map[string]any{})

	case phoenix.EventAccessToken:
		var p struct {
			AccessToken string `json:"access_token"`
		}
		_ = json.Unmarshal(f.Payload, &p)
		s.mu.Lock()
		s.tokens = append(s.tokens, p.AccessToken)
		s.mu.Unlock()
	}
}

func (h *handler) join(conn *gws.Conn, f *phoenix.Frame, ref string) {
	s := h.server

	var p phoenix.JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.reply(conn, f.Topic, ref, "error", map[string]any{"reason": "malformed join"})
		return
	}

	s.mu.Lock()
	s.joins = append(s.joins, Join{Topic: f.Topic, Filters: p.Config.PostgresChanges, AccessToken: p.AccessToken, PresenceKey: p.Config.Presence.Key})
	reason, rejected := s.rejected[f.Topic]
	ignored := s.ignored[f.Topic]
	filters := make([]phoenix.ChangeFilter, 0, len(p.Config.PostgresChanges))
	if !rejected && !ignored {
		for _, cf := range p.Config.PostgresChanges {
			s.nextID++
			cf.ID = s.nextID
			filters = append(filters, cf)
		}
		if sock, ok := s.sockets[conn]; ok {
			sock.channels[f.Topic] = filters
		}
	}
	s.mu.Unlock()

	switch {
	case ignored:
	case rejected:
		s.reply(conn, f.Topic, ref, "error", map[string]any{"reason": reason})
	default:
		s.reply(conn, f.Topic, ref, "ok", map[string]any{"postgres_changes": filters})
		s.push(conn, f.Topic, phoenix.EventSystem, map[string]any{
			"channel":   f.Topic[len("realtime:"):],
			"extension": "postgres_changes",
			"message":   "Subscribed to PostgreSQL",
			"status":    "ok",
		})
	}
}

func (s *Server) reply(conn *gws.Conn, topic, ref, status string, response any) {
	f, err := frame(topic, phoenix.EventReply, ref, map[string]any{"status": status, "response": response})
	if err != nil {
		log.Printf("fakesupabase: encode reply: %v", err)
		return
	}
	s.write(conn, f)
}

func (s *Server) push(conn *gws.Conn, topic, event string, payload any) {
	f, err := frame(topic, event, "", payload)
	if err != nil {
		log.Printf("fakesupabase: encode %s: %v", event, err)
		return
	}
	s.write(conn, f)
}

func (s *Server) write(conn *gws.Conn, f *phoenix.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Printf("fakesupabase: encode frame: %v", err)
		return
	}
	if err := conn.WriteMessage(gws.OpcodeText, data); err != nil && !isUseOfClosedNetworkError(err) {
		log.Printf("fakesupabase: write frame: %v", err)
	}
}

func frame(topic, event, ref string, payload any) (*phoenix.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f := &phoenix.Frame{Topic: topic, Event: event, Payload: raw}
	if ref != "" {
		f.Ref = &ref
	}
	return f, nil
}

// Reject makes joins of topic fail with reason.
func (s *Server) Reject(topic, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[topic] = reason
}

// Ignore makes joins of topic go unanswered.
func (s *Server) Ignore(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored[topic] = true
}

// SkipHeartbeats stops replying to heartbeats.
func (s *Server) SkipHeartbeats(skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipHeartbeat = skip
}

// Heartbeats returns the number of heartbeats received.
func (s *Server) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// Joins returns every join received, in order.
func (s *Server) Joins() []Join {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Join(nil), s.joins...)
}

// Leaves returns the topics left, in order.
func (s *Server) Leaves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.leaves...)
}

// AccessTokens returns the tokens pushed to joined channels, in order.
func (s *Server) AccessTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Connections returns the number of open realtime sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Joined returns the number of joined channels whose topic is topic, over
// all sockets.
func (s *Server) Joined(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sock := range s.sockets {
		if _, ok := sock.channels[topic]; ok {
			n++
		}
	}
	return n
}

type target struct {
	conn  *gws.Conn
	topic string
	ids   []int64
}

// Broadcast applies a change to table and pushes it to every channel
// watching the table. It returns the number of channels notified.
func (s *Server) Broadcast(table string, kind feed.EventKind, record Row) int {
	var targets []target

	s.mu.Lock()
	switch kind {
	case feed.EventInsert:
		s.tables[table] = append(s.tables[table], record)
	case feed.EventUpdate, feed.EventDelete:
		rows := s.tables[table][:0]
		for _, row := range s.tables[table] {
			if toString(row["id"]) != toString(record["id"]) {
				rows = append(rows, row)
			} else if kind == feed.EventUpdate {
				rows = append(rows, record)
			}
		}
		s.tables[table] = rows
	}
	for conn, sock := range s.sockets {
		for topic, filters := range sock.channels {
			var ids []int64
			for _, cf := range filters {
				if cf.Table == table && (cf.Event == string(feed.EventAll) || cf.Event == string(kind)) {
					ids = append(ids, cf.ID)
				}
			}
			if len(ids) > 0 {
				targets = append(targets, target{conn: conn, topic: topic, ids: ids})
			}
		}
	}
	s.mu.Unlock()

	data := map[string]any{
		"schema":           "public",
		"table":            table,
		"type":             string(kind),
		"commit_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"errors":           nil,
	}
	if kind == feed.EventDelete {
		data["old_record"] = Row{"id": record["id"]}
	} else {
		data["record"] = record
	}

	for _, t := range targets {
		s.push(t.conn, t.topic, phoenix.EventChanges, map[string]any{"data": data, "ids": t.ids})
	}
	return len(targets)
}

// CloseChannel sends phx_close to every channel with topic.
func (s *Server) CloseChannel(topic string) {
	s.toChannel(topic, phoenix.EventClose, map[string]any{})
}

// FailChannel sends phx_error to every channel with topic.
func (s *Server) FailChannel(topic string) {
	s.toChannel(topic, phoenix.EventError, map[string]any{})
}

// SystemError sends an error system message to every channel with topic.
func (s *Server) SystemError(topic, message string) {
	s.toChannel(topic, phoenix.EventSystem, map[string]any{
		"extension": "postgres_changes",
		"message":   message,
		"status":    "error",
	})
}

func (s *Server) toChannel(topic, event string, payload any) {
	s.mu.Lock()
	var conns []*gws.Conn
	for conn, sock := range s.sockets {
		if _, ok := sock.channels[topic]; ok {
			conns = append(conns, conn)
			if event == phoenix.EventClose {
				delete(sock.channels, topic)
			}
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.push(conn, topic, event, payload)
	}
}

// DropConnections closes every realtime socket without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.sockets))
	for conn := range s.sockets {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.NetConn().Close()
	}
}
