package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/command"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol/remotetest"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]entity.Identity{
		{ID: "light.kitchen", Room: "Kitchen", Floor: "Ground"},
		{ID: "light.hall", Room: "Hall", Floor: "Ground"},
		{ID: "lock.front_door", Room: "Hall", Floor: "Ground"},
		{ID: "sensor.outdoor", Room: "Garden", Floor: "Ground"},
	})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	return cat
}

func startEngine(t *testing.T, srv *remotetest.Server) *Engine {
	t.Helper()
	e, err := New(testCatalog(t), protocol.Config{
		URL:          srv.URL(),
		Token:        remotetest.Token,
		PingInterval: -1,
		Backoff:      protocol.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
	}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	return e
}

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

func seed() []remotetest.State {
	return []remotetest.State{
		{EntityID: "light.kitchen", State: "off", Attributes: map[string]any{"brightness": nil}},
		{EntityID: "light.hall", State: "on", Attributes: map[string]any{"brightness": 90}},
		{EntityID: "lock.front_door", State: "locked"},
		{EntityID: "light.untracked", State: "on"},
	}
}

func TestSnapshotSeedsViews(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	if cs := e.ConnectionState(); cs.Status != entity.StatusConnected || cs.Epoch != 1 {
		t.Errorf("ConnectionState = %+v, want connected epoch 1", cs)
	}

	tests := []struct {
		id        string
		state     string
		available bool
	}{
		{"light.kitchen", "off", true},
		{"light.hall", "on", true},
		{"lock.front_door", "locked", true},
		{"sensor.outdoor", entity.StateUnavailable, false},
	}
	for _, tt := range tests {
		v, ok := e.Get(tt.id)
		if !ok {
			t.Fatalf("Get(%s) missing", tt.id)
		}
		if v.State != tt.state || v.Available != tt.available {
			t.Errorf("%s = %s available=%v, want %s available=%v", tt.id, v.State, v.Available, tt.state, tt.available)
		}
	}

	if _, ok := e.Get("light.untracked"); ok {
		t.Error("untracked entity leaked into the store")
	}
	if n := len(e.All()); n != 4 {
		t.Errorf("len(All()) = %d, want 4", n)
	}
}

func TestKitchenScenarioEndToEnd(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	sub, err := e.SubscribeEntity("light.kitchen")
	if err != nil {
		t.Fatalf("SubscribeEntity() error = %v", err)
	}
	defer sub.Close()

	receipt, err := e.Dispatch(context.Background(), "light.kitchen", "turn_on", map[string]any{"brightness": 200})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if receipt.RequestID == 0 {
		t.Error("receipt has no request id")
	}

	v := sub.View()
	if v.State != "on" || v.Attributes.Brightness == nil || *v.Attributes.Brightness != 200 || !v.Pending {
		t.Fatalf("optimistic view = %s/%v pending=%v", v.State, v.Attributes.Brightness, v.Pending)
	}

	eventually(t, "call_service at the remote", func() bool { return len(srv.Calls()) == 1 })
	want := remotetest.Call{Domain: "light", Service: "turn_on", EntityID: "light.kitchen", Data: map[string]any{"brightness": 200.0}}
	if diff := cmp.Diff(want, srv.Calls()[0]); diff != "" {
		t.Errorf("remote call mismatch (-want +got):\n%s", diff)
	}

	srv.SetState(remotetest.State{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"brightness": 180}})
	eventually(t, "authoritative update", func() bool {
		v := sub.View()
		return !v.Pending && v.Attributes.Brightness != nil && *v.Attributes.Brightness == 180
	})
	if got := sub.View().State; got != "on" {
		t.Errorf("final State = %q, want on", got)
	}
}

func TestRoomSubscription(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	room, err := e.SubscribeRoom("Hall")
	if err != nil {
		t.Fatalf("SubscribeRoom() error = %v", err)
	}
	defer room.Close()

	if diff := cmp.Diff([]string{"light.hall", "lock.front_door"}, room.Members()); diff != "" {
		t.Errorf("Members() mismatch (-want +got):\n%s", diff)
	}
	before := room.Version()

	srv.SetState(remotetest.State{EntityID: "lock.front_door", State: "unlocked"})
	eventually(t, "room change", func() bool { return room.Views()[1].State == "unlocked" })

	select {
	case <-room.Changes():
	default:
		t.Error("room subscription was not signalled")
	}
	if room.Version() <= before {
		t.Errorf("Version() = %d, want > %d", room.Version(), before)
	}
	if room.Views()[0].State != "on" {
		t.Errorf("untouched member changed: %s", room.Views()[0].State)
	}

	if _, err := e.SubscribeRoom("Attic"); !errors.Is(err, catalog.ErrRoomNotFound) {
		t.Errorf("SubscribeRoom(Attic) error = %v, want ErrRoomNotFound", err)
	}
}

func TestRemoteRemoval(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	srv.Remove("light.hall")
	eventually(t, "removal", func() bool {
		v, _ := e.Get("light.hall")
		return !v.Available
	})
	v, _ := e.Get("light.hall")
	if v.State != entity.StateUnavailable {
		t.Errorf("State = %q, want unavailable", v.State)
	}
}

func TestUntrackedEventsAreFiltered(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)
	before := e.Stats().Protocol.EventsFiltered

	srv.SetState(remotetest.State{EntityID: "light.untracked", State: "off"})
	srv.SetState(remotetest.State{EntityID: "light.kitchen", State: "on"})
	eventually(t, "tracked update", func() bool {
		v, _ := e.Get("light.kitchen")
		return v.State == "on"
	})

	if got := e.Stats().Protocol.EventsFiltered - before; got != 1 {
		t.Errorf("EventsFiltered grew by %d, want 1", got)
	}
}

func TestReconnectTakesNewSnapshot(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	status := e.SubscribeStatus()
	defer status.Close()

	srv.DropConnections()
	// The remote changes while we are away; the new snapshot must carry it.
	srv.SetState(remotetest.State{EntityID: "lock.front_door", State: "jammed"})

	eventually(t, "second session", func() bool {
		cs := e.ConnectionState()
		return cs.Status == entity.StatusConnected && cs.Epoch == 2
	})
	eventually(t, "state from new snapshot", func() bool {
		v, _ := e.Get("lock.front_door")
		return v.State == "jammed"
	})
	if status.State().Epoch != 2 {
		t.Errorf("status subscription epoch = %d, want 2", status.State().Epoch)
	}
	if srv.Accepted() != 2 {
		t.Errorf("Accepted() = %d, want 2", srv.Accepted())
	}
}

func TestRejectedCommand(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	srv.RejectNext("invalid_code", "wrong code")
	if _, err := e.Dispatch(context.Background(), "lock.front_door", "unlock", map[string]any{"code": "0000"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	eventually(t, "rejection", func() bool { return e.Stats().Commands.Rejected == 1 })
	v, _ := e.Get("lock.front_door")
	if v.State != "unlocked" || !v.Pending {
		t.Errorf("view = %s pending=%v, want optimistic row kept", v.State, v.Pending)
	}
}

func TestDispatchValidationThroughEngine(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)

	_, err := e.Dispatch(context.Background(), "sensor.outdoor", "turn_on", nil)
	if !errors.Is(err, command.ErrUnsupportedAction) {
		t.Errorf("Dispatch(sensor) error = %v, want ErrUnsupportedAction", err)
	}
	if len(srv.Calls()) != 0 {
		t.Error("invalid command reached the remote")
	}
}

func TestDispatchWhileDisconnected(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e, err := New(testCatalog(t), protocol.Config{URL: srv.URL(), Token: remotetest.Token}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	_, err = e.Dispatch(context.Background(), "light.kitchen", "turn_off", nil)
	if !errors.Is(err, command.ErrSendFailed) || !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("Dispatch() error = %v, want ErrSendFailed wrapping ErrNotConnected", err)
	}
	v, _ := e.Get("light.kitchen")
	if v.State != "off" || !v.Pending {
		t.Errorf("view = %s pending=%v, want optimistic off", v.State, v.Pending)
	}
}

func TestStartTwice(t *testing.T) {
	srv := remotetest.NewServer(t, seed()...)
	e := startEngine(t, srv)
	if err := e.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestIdentityPrecedence(t *testing.T) {
	conflicting := map[string]json.RawMessage{
		"friendly_name": json.RawMessage(`"Remote Name"`),
		"room":          json.RawMessage(`"Garage"`),
		"area":          json.RawMessage(`"Upstairs"`),
		"floor":         json.RawMessage(`"Attic"`),
		"brightness":    json.RawMessage(`120`),
	}

	tests := []struct {
		name  string
		id    string
		apply func(e *Engine)
	}{
		{
			name: "snapshot row",
			id:   "light.kitchen",
			apply: func(e *Engine) {
				e.HandleSnapshot(1, []entity.RemoteState{{EntityID: "light.kitchen", State: "on", Attributes: conflicting}})
			},
		},
		{
			name: "incremental update",
			id:   "light.hall",
			apply: func(e *Engine) {
				e.HandleSnapshot(1, nil)
				e.HandleStateChanged(1, protocol.StateChange{
					EntityID: "light.hall",
					New:      &entity.RemoteState{EntityID: "light.hall", State: "on", Attributes: conflicting, LastUpdated: time.Now()},
				})
			},
		},
		{
			name: "remote removal",
			id:   "lock.front_door",
			apply: func(e *Engine) {
				e.HandleSnapshot(1, []entity.RemoteState{{EntityID: "lock.front_door", State: "locked", Attributes: conflicting}})
				e.HandleStateChanged(1, protocol.StateChange{EntityID: "lock.front_door"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(testCatalog(t), protocol.Config{URL: "ws://127.0.0.1:1/api/websocket", Token: "unused"}, Options{})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer e.Close()

			tt.apply(e)

			want, ok := e.Catalog().Get(tt.id)
			if !ok {
				t.Fatalf("catalog has no %s", tt.id)
			}
			v, ok := e.Get(tt.id)
			if !ok {
				t.Fatalf("Get(%q) not found", tt.id)
			}
			if diff := cmp.Diff(want, v.Identity); diff != "" {
				t.Errorf("identity mismatch (-catalog +view):\n%s", diff)
			}
		})
	}
}
