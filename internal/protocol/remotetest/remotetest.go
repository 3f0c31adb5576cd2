// Package remotetest provides an in-process remote backend for tests.
//
// The server speaks the same JSON WebSocket protocol as the real backend:
// it authenticates, answers subscribe_events, get_states, call_service and
// ping, and pushes state_changed events on demand.
package remotetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Token is the access token the server accepts.
const Token = "remotetest-token"

// State is one remote entity.
type State struct {
	EntityID    string
	State       string
	Attributes  map[string]any
	LastUpdated time.Time
}

func (s State) wire() map[string]any {
	attrs := s.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	m := map[string]any{"entity_id": s.EntityID, "state": s.State, "attributes": attrs}
	if !s.LastUpdated.IsZero() {
		m["last_updated"] = s.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// Call is one received call_service request.
type Call struct {
	Domain   string
	Service  string
	EntityID string
	Data     map[string]any
}

type rejection struct {
	code, message string
}

type conn struct {
	ws    *websocket.Conn
	mu    sync.Mutex
	subID int
}

func (c *conn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(v)
}

// Server is a fake remote backend.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	order    []string
	states   map[string]State
	calls    []Call
	rejects  []rejection
	live     map[*conn]bool
	accepted int
}

// NewServer starts a server seeded with states. It is closed when the test
// ends.
func NewServer(t testing.TB, states ...State) *Server {
	t.Helper()
	s := &Server{
		states: make(map[string]State),
		live:   make(map[*conn]bool),
	}
	for _, st := range states {
		s.put(st)
	}

	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.serve(&conn{ws: ws})
	}))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) put(st State) {
	if _, ok := s.states[st.EntityID]; !ok {
		s.order = append(s.order, st.EntityID)
	}
	s.states[st.EntityID] = st
}

// SetState stores st and pushes a state_changed event to every subscribed
// connection.
func (s *Server) SetState(st State) {
	s.mu.Lock()
	s.put(st)
	subs := s.subscribed()
	s.mu.Unlock()

	for c, subID := range subs {
		c.send(event(subID, st.EntityID, st.wire()))
	}
}

// Remove deletes id and pushes a state_changed event with a null new_state.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	delete(s.states, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	subs := s.subscribed()
	s.mu.Unlock()

	for c, subID := range subs {
		c.send(event(subID, id, nil))
	}
}

// RejectNext makes the next call_service fail with code and message.
func (s *Server) RejectNext(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, rejection{code: code, message: message})
}

// Calls returns every call_service received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.live))
	for c := range s.live {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// subscribed maps each subscribed connection to its subscription id.
// Callers hold s.mu.
func (s *Server) subscribed() map[*conn]int {
	out := make(map[*conn]int)
	for c := range s.live {
		if c.subID != 0 {
			out[c] = c.subID
		}
	}
	return out
}

func (s *Server) snapshot() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.states[id].wire())
	}
	return out
}

func (s *Server) serve(c *conn) {
	s.mu.Lock()
	s.live[c] = true
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.live, c)
		s.mu.Unlock()
		_ = c.ws.Close()
	}()

	c.send(map[string]any{"type": "auth_required"})
	var auth map[string]any
	if err := c.ws.ReadJSON(&auth); err != nil {
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != Token {
		c.send(map[string]any{"type": "auth_invalid", "message": "invalid access token"})
		return
	}
	c.send(map[string]any{"type": "auth_ok"})

	for {
		var m map[string]any
		if err := c.ws.ReadJSON(&m); err != nil {
			return
		}
		id := 0
		if f, ok := m["id"].(float64); ok {
			id = int(f)
		}

		switch m["type"] {
		case "ping":
			c.send(map[string]any{"id": id, "type": "pong"})
		case "subscribe_events":
			s.mu.Lock()
			c.subID = id
			s.mu.Unlock()
			c.send(result(id, true, nil))
		case "get_states":
			c.send(result(id, true, s.snapshot()))
		case "call_service":
			c.send(s.callService(id, m))
		default:
			c.send(map[string]any{
				"id": id, "type": "result", "success": false,
				"error": map[string]any{"code": "unknown_command", "message": "unknown command"},
			})
		}
	}
}

func (s *Server) callService(id int, m map[string]any) map[string]any {
	call := Call{}
	call.Domain, _ = m["domain"].(string)
	call.Service, _ = m["service"].(string)
	if target, ok := m["target"].(map[string]any); ok {
		call.EntityID, _ = target["entity_id"].(string)
	}
	call.Data, _ = m["service_data"].(map[string]any)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.rejects) > 0 {
		r := s.rejects[0]
		s.rejects = s.rejects[1:]
		return map[string]any{
			"id": id, "type": "result", "success": false,
			"error": map[string]any{"code": r.code, "message": r.message},
		}
	}
	return result(id, true, nil)
}

func result(id int, success bool, res any) map[string]any {
	return map[string]any{"id": id, "type": "result", "success": success, "result": res}
}

func event(subID int, entityID string, newState any) map[string]any {
	return map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": entityID,
				"new_state": newState,
			},
		},
	}
}
