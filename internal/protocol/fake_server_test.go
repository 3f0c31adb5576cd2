package protocol

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

const testToken = "test-token"

// script drives one server-side connection.
type script func(s *serverConn)

type serverConn struct {
	t    *testing.T
	conn *websocket.Conn
}

// Write errors are ignored: the client may legitimately hang up first.
func (s *serverConn) send(v any) {
	_ = s.conn.WriteJSON(v)
}

func (s *serverConn) sendRaw(str string) {
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(str))
}

// read returns the next client message, answering pings on the way.
func (s *serverConn) read() map[string]any {
	for {
		var m map[string]any
		if err := s.conn.ReadJSON(&m); err != nil {
			return nil
		}
		if m["type"] == TypePing {
			s.send(map[string]any{"id": m["id"], "type": TypePong})
			continue
		}
		return m
	}
}

func (s *serverConn) expect(typ string) (map[string]any, int) {
	m := s.read()
	if m == nil {
		return nil, 0
	}
	if m["type"] != typ {
		s.t.Errorf("server: got %v, want type %s", m["type"], typ)
	}
	id, _ := m["id"].(float64)
	return m, int(id)
}

// handshake authenticates the client.
func (s *serverConn) handshake() bool {
	s.send(map[string]any{"type": TypeAuthRequired})
	m, _ := s.expect(TypeAuth)
	if m == nil {
		return false
	}
	if m["access_token"] != testToken {
		s.t.Errorf("server: access_token = %v", m["access_token"])
	}
	s.send(map[string]any{"type": TypeAuthOK})
	return true
}

// subscribed reads subscribe_events and get_states and returns their ids.
func (s *serverConn) subscribed() (subID, statesID int) {
	_, subID = s.expect(TypeSubscribeEvents)
	_, statesID = s.expect(TypeGetStates)
	return subID, statesID
}

func (s *serverConn) result(id int, success bool, result any) {
	s.send(map[string]any{"id": id, "type": TypeResult, "success": success, "result": result})
}

// ready runs the full handshake and answers get_states with states.
func (s *serverConn) ready(states ...any) bool {
	if !s.handshake() {
		return false
	}
	subID, statesID := s.subscribed()
	s.result(subID, true, nil)
	s.result(statesID, true, states)
	return true
}

// hold keeps the connection open, answering pings, until the client leaves.
func (s *serverConn) hold() {
	for s.read() != nil {
	}
}

func stateEvent(subID int, id, state string) map[string]any {
	return map[string]any{
		"id":   subID,
		"type": TypeEvent,
		"event": map[string]any{
			"event_type": EventStateChanged,
			"data": map[string]any{
				"entity_id": id,
				"new_state": map[string]any{"entity_id": id, "state": state, "attributes": map[string]any{}},
			},
		},
	}
}

func remote(id, state string) map[string]any {
	return map[string]any{"entity_id": id, "state": state, "attributes": map[string]any{}}
}

// fakeServer serves scripts in connection order; the last script repeats.
type fakeServer struct {
	srv   *httptest.Server
	conns atomic.Int32
}

func newFakeServer(t *testing.T, scripts ...script) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		n := int(fs.conns.Add(1)) - 1
		if n >= len(scripts) {
			n = len(scripts) - 1
		}
		scripts[n](&serverConn{t: t, conn: conn})
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

// filter is a static entity set.
type filter map[string]bool

func (f filter) Contains(id string) bool { return f[id] }

// recorder is a Handler that logs every call as a string.
type recorder struct {
	mu     sync.Mutex
	events []string
	states []entity.ConnectionState
}

func (r *recorder) HandleSnapshot(epoch uint64, states []entity.RemoteState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.EntityID + "=" + s.State
	}
	r.events = append(r.events, fmt.Sprintf("snapshot/%d/%s", epoch, strings.Join(ids, ",")))
}

func (r *recorder) HandleStateChanged(epoch uint64, ch StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := "removed"
	if ch.New != nil {
		state = ch.New.State
	}
	r.events = append(r.events, fmt.Sprintf("change/%d/%s=%s", epoch, ch.EntityID, state))
}

func (r *recorder) HandleConnectionState(cs entity.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, cs)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, s := range r.states {
		out[i] = s.Phase
	}
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, url string, rec *recorder, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:          url,
		Token:        testToken,
		PingInterval: -1,
		Backoff:      Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 5},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, filter{"light.kitchen": true, "lock.front_door": true}, rec)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
