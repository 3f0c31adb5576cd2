package command

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mirror/internal/journal"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol"
	"github.com/nerrad567/gray-logic-mirror/internal/store"
	_ "github.com/nerrad567/gray-logic-mirror/migrations"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records commands and keeps their result callbacks.
type fakeTransport struct {
	mu        sync.Mutex
	err       error
	cmds      []protocol.Command
	callbacks []func(protocol.Result)
}

func (f *fakeTransport) CallService(_ context.Context, cmd protocol.Command, onResult func(protocol.Result)) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.cmds = append(f.cmds, cmd)
	f.callbacks = append(f.callbacks, onResult)
	return len(f.cmds), nil
}

func (f *fakeTransport) sent() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Command(nil), f.cmds...)
}

func (f *fakeTransport) reply(t *testing.T, i int, r protocol.Result) {
	t.Helper()
	f.mu.Lock()
	cb := f.callbacks[i]
	f.mu.Unlock()
	cb(r)
}

type fixture struct {
	store     *store.Store
	transport *fakeTransport
	disp      *Dispatcher
}

func newFixture(t *testing.T, repo journal.Repository) *fixture {
	t.Helper()

	cat, err := catalog.New([]entity.Identity{
		{ID: "light.kitchen", Room: "Kitchen", Floor: "Ground"},
		{ID: "switch.pump", Room: "Garden", Floor: "Ground"},
		{ID: "cover.lounge", Room: "Lounge", Floor: "Ground"},
		{ID: "media_player.lounge", Room: "Lounge", Floor: "Ground"},
		{ID: "fan.bedroom", Room: "Bedroom", Floor: "First"},
		{ID: "lock.front_door", Room: "Hall", Floor: "Ground"},
		{ID: "alarm_control_panel.house", Room: "Hall", Floor: "Ground"},
		{ID: "climate.hall", Room: "Hall", Floor: "Ground"},
		{ID: "sensor.outdoor", Room: "Garden", Floor: "Ground"},
	})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}

	s := store.New(cat)
	s.SetClock(func() time.Time { return t0 })

	tr := &fakeTransport{}
	d, err := New(Deps{Catalog: cat, Store: s, Transport: tr, Journal: repo})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d.now = func() time.Time { return t0 }
	t.Cleanup(d.Close)

	return &fixture{store: s, transport: tr, disp: d}
}

func (f *fixture) view(t *testing.T, id string) *entity.View {
	t.Helper()
	v, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("store has no row for %s", id)
	}
	return v
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	if !errors.Is(err, ErrInvalidDeps) {
		t.Errorf("New(empty) error = %v, want ErrInvalidDeps", err)
	}
}

func TestDispatchValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		action  string
		params  map[string]any
		wantErr error
	}{
		{"unknown entity", "light.garage", "turn_on", nil, ErrUnknownEntity},
		{"unknown action", "light.kitchen", "explode", nil, ErrUnsupportedAction},
		{"read-only kind", "sensor.outdoor", "turn_on", nil, ErrUnsupportedAction},
		{"cross-kind action", "switch.pump", "set_position", map[string]any{"position": 10}, ErrUnsupportedAction},
		{"brightness too high", "light.kitchen", "turn_on", map[string]any{"brightness": 300}, ErrInvalidParams},
		{"brightness fractional", "light.kitchen", "turn_on", map[string]any{"brightness": 12.5}, ErrInvalidParams},
		{"brightness as string", "light.kitchen", "turn_on", map[string]any{"brightness": "200"}, ErrInvalidParams},
		{"unknown param", "light.kitchen", "turn_on", map[string]any{"flash": true}, ErrInvalidParams},
		{"param on paramless action", "switch.pump", "toggle", map[string]any{"brightness": 1}, ErrInvalidParams},
		{"rgb wrong length", "light.kitchen", "turn_on", map[string]any{"rgb_color": []any{1.0, 2.0}}, ErrInvalidParams},
		{"rgb out of range", "light.kitchen", "turn_on", map[string]any{"rgb_color": []any{1.0, 2.0, 256.0}}, ErrInvalidParams},
		{"missing position", "cover.lounge", "set_position", nil, ErrInvalidParams},
		{"volume above 1", "media_player.lounge", "set_volume", map[string]any{"volume_level": 1.5}, ErrInvalidParams},
		{"bad hvac mode", "climate.hall", "set_hvac_mode", map[string]any{"hvac_mode": "sauna"}, ErrInvalidParams},
		{"code not a string", "lock.front_door", "unlock", map[string]any{"code": 1234}, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			_, err := f.disp.Dispatch(context.Background(), tt.id, tt.action, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Dispatch() error = %v, want %v", err, tt.wantErr)
			}
			if n := len(f.transport.sent()); n != 0 {
				t.Errorf("sent %d commands, want none", n)
			}
			for _, v := range f.store.All() {
				if v.Pending {
					t.Errorf("%s is pending after a rejected dispatch", v.ID)
				}
			}
			if got := f.disp.Stats().Invalid; got != 1 {
				t.Errorf("Stats().Invalid = %d, want 1", got)
			}
		})
	}
}

func TestDispatchPatches(t *testing.T) {
	rgb := [3]int{255, 128, 0}

	tests := []struct {
		name      string
		id        string
		action    string
		params    map[string]any
		wantState string
		wantAttrs entity.Attributes
	}{
		{"light on with brightness", "light.kitchen", "turn_on", map[string]any{"brightness": 200.0},
			"on", entity.Attributes{Brightness: entity.IntPtr(200)}},
		{"light on with colour", "light.kitchen", "turn_on", map[string]any{"rgb_color": []any{255.0, 128.0, 0.0}, "color_temp_kelvin": json.Number("2700")},
			"on", entity.Attributes{RGBColor: &rgb, ColorTempKelvin: entity.IntPtr(2700)}},
		{"light off", "light.kitchen", "turn_off", nil, "off", entity.Attributes{}},
		{"cover open", "cover.lounge", "open", nil, "open", entity.Attributes{Position: entity.IntPtr(100)}},
		{"cover close", "cover.lounge", "close", nil, "closed", entity.Attributes{Position: entity.IntPtr(0)}},
		{"cover position", "cover.lounge", "set_position", map[string]any{"position": 40}, "open", entity.Attributes{Position: entity.IntPtr(40)}},
		{"media play", "media_player.lounge", "play", nil, "playing", entity.Attributes{}},
		{"media volume", "media_player.lounge", "set_volume", map[string]any{"volume_level": 0.25}, "unknown", entity.Attributes{VolumeLevel: entity.FloatPtr(0.25)}},
		{"fan on with percentage", "fan.bedroom", "turn_on", map[string]any{"percentage": 30}, "on", entity.Attributes{Percentage: entity.IntPtr(30)}},
		{"fan percentage zero", "fan.bedroom", "set_percentage", map[string]any{"percentage": 0}, "off", entity.Attributes{Percentage: entity.IntPtr(0)}},
		{"lock with code", "lock.front_door", "lock", map[string]any{"code": "1234"}, "locked", entity.Attributes{}},
		{"alarm arm away", "alarm_control_panel.house", "arm_away", nil, "armed_away", entity.Attributes{}},
		{"climate temperature", "climate.hall", "set_temperature", map[string]any{"temperature": 21.5}, "unknown", entity.Attributes{Temperature: entity.FloatPtr(21.5)}},
		{"climate mode", "climate.hall", "set_hvac_mode", map[string]any{"hvac_mode": "heat"}, "heat", entity.Attributes{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			receipt, err := f.disp.Dispatch(context.Background(), tt.id, tt.action, tt.params)
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if !receipt.Optimistic {
				t.Error("receipt.Optimistic = false, want true")
			}

			v := f.view(t, tt.id)
			if v.State != tt.wantState {
				t.Errorf("State = %q, want %q", v.State, tt.wantState)
			}
			if diff := cmp.Diff(tt.wantAttrs, v.Attributes); diff != "" {
				t.Errorf("Attributes mismatch (-want +got):\n%s", diff)
			}
			if !v.Pending {
				t.Error("Pending = false, want true")
			}
			if v.Available {
				t.Error("optimistic update changed Available")
			}
		})
	}
}

func TestDispatchForwardsService(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.disp.Dispatch(context.Background(), "light.kitchen", "turn_on",
		map[string]any{"rgb_color": []any{1.0, 2.0, 3.0}}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	want := []protocol.Command{{
		EntityID: "light.kitchen",
		Kind:     entity.KindLight,
		Action:   "turn_on",
		Params:   map[string]any{"rgb_color": []int{1, 2, 3}},
	}}
	if diff := cmp.Diff(want, f.transport.sent()); diff != "" {
		t.Errorf("sent commands mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchStopHasNoPatch(t *testing.T) {
	f := newFixture(t, nil)

	receipt, err := f.disp.Dispatch(context.Background(), "cover.lounge", "stop", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if receipt.Optimistic {
		t.Error("stop produced an optimistic update")
	}
	if f.view(t, "cover.lounge").Pending {
		t.Error("cover is pending after stop")
	}
	if len(f.transport.sent()) != 1 {
		t.Error("stop was not forwarded")
	}
}

func TestDispatchToggle(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Apply(store.ApplySnapshot{Epoch: 1, States: []entity.RemoteState{
		{EntityID: "switch.pump", State: "on", LastUpdated: t0},
	}})

	ctx := context.Background()
	if _, err := f.disp.Dispatch(ctx, "switch.pump", "toggle", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := f.view(t, "switch.pump").State; got != "off" {
		t.Errorf("after first toggle State = %q, want off", got)
	}
	if _, err := f.disp.Dispatch(ctx, "switch.pump", "toggle", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := f.view(t, "switch.pump").State; got != "on" {
		t.Errorf("after second toggle State = %q, want on", got)
	}
}

func TestKitchenScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Apply(store.ApplySnapshot{Epoch: 1, States: []entity.RemoteState{
		{EntityID: "light.kitchen", State: "off", LastUpdated: t0},
	}})

	if _, err := f.disp.Dispatch(context.Background(), "light.kitchen", "turn_on",
		map[string]any{"brightness": 200}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	v := f.view(t, "light.kitchen")
	if v.State != "on" || v.Attributes.Brightness == nil || *v.Attributes.Brightness != 200 || !v.Pending {
		t.Fatalf("optimistic view = %s/%v pending=%v, want on/200 pending", v.State, v.Attributes.Brightness, v.Pending)
	}

	f.store.Apply(store.ApplyIncrementalUpdate{
		Epoch:      1,
		EntityID:   "light.kitchen",
		State:      "on",
		Attributes: map[string]json.RawMessage{"brightness": json.RawMessage("180")},
		Timestamp:  t0.Add(time.Second),
	})

	v = f.view(t, "light.kitchen")
	if v.State != "on" || *v.Attributes.Brightness != 180 || v.Pending {
		t.Errorf("final view = %s/%d pending=%v, want on/180 settled", v.State, *v.Attributes.Brightness, v.Pending)
	}
}

func TestDispatchSendFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.err = protocol.ErrNotConnected

	receipt, err := f.disp.Dispatch(context.Background(), "lock.front_door", "lock", nil)
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("Dispatch() error = %v, want ErrSendFailed wrapping ErrNotConnected", err)
	}
	if receipt.ID == "" {
		t.Error("failed dispatch returned no receipt")
	}

	v := f.view(t, "lock.front_door")
	if v.State != "locked" || !v.Pending {
		t.Errorf("view = %s pending=%v, want optimistic row kept", v.State, v.Pending)
	}
	if got := f.disp.Stats().SendFailed; got != 1 {
		t.Errorf("Stats().SendFailed = %d, want 1", got)
	}
}

func TestRejectionLeavesOptimisticRow(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.disp.Dispatch(context.Background(), "lock.front_door", "unlock", nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	f.transport.reply(t, 0, protocol.Result{ID: 1, Error: &protocol.ErrorInfo{Code: "invalid_code", Message: "bad code"}})

	v := f.view(t, "lock.front_door")
	if v.State != "unlocked" || !v.Pending {
		t.Errorf("view = %s pending=%v, want optimistic row kept", v.State, v.Pending)
	}
	if got := f.disp.Stats().Rejected; got != 1 {
		t.Errorf("Stats().Rejected = %d, want 1", got)
	}
}

func TestJournalRecordsOutcomes(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "mirror.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := journal.NewSQLiteRepository(db.DB)

	f := newFixture(t, repo)
	ctx := WithSource(context.Background(), "api")

	ok, err := f.disp.Dispatch(ctx, "light.kitchen", "turn_on", map[string]any{"brightness": 10})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	rejected, err := f.disp.Dispatch(ctx, "lock.front_door", "unlock", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	f.transport.reply(t, 0, protocol.Result{ID: 1, Success: true})
	f.transport.reply(t, 1, protocol.Result{ID: 2, Error: &protocol.ErrorInfo{Code: "invalid_code", Message: "bad code"}})

	f.transport.err = protocol.ErrNotConnected
	failed, _ := f.disp.Dispatch(ctx, "switch.pump", "turn_on", nil)

	f.disp.Close()

	res, err := repo.List(context.Background(), journal.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := make(map[string]journal.Entry, len(res.Entries))
	for _, e := range res.Entries {
		got[e.ID] = e
	}

	wantOutcome := map[string]journal.Outcome{
		ok.ID:       journal.OutcomeSucceeded,
		rejected.ID: journal.OutcomeRejected,
		failed.ID:   journal.OutcomeSendFailed,
	}
	for id, want := range wantOutcome {
		e, found := got[id]
		if !found {
			t.Errorf("journal has no entry %s", id)
			continue
		}
		if e.Outcome != want {
			t.Errorf("%s outcome = %q, want %q", e.Action, e.Outcome, want)
		}
		if e.Source != "api" {
			t.Errorf("%s source = %q, want api", e.Action, e.Source)
		}
		if e.ResolvedAt == nil {
			t.Errorf("%s has no resolved_at", e.Action)
		}
	}
	if got[ok.ID].Params["brightness"] != 10.0 {
		t.Errorf("journal params = %v, want brightness 10", got[ok.ID].Params)
	}
}

func TestActions(t *testing.T) {
	if got := Actions(entity.KindSensor); got != nil {
		t.Errorf("Actions(sensor) = %v, want nil", got)
	}

	var names []string
	for _, a := range Actions(entity.KindCover) {
		names = append(names, a.Name)
	}
	want := []string{"close", "open", "set_position", "stop"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Actions(cover) mismatch (-want +got):\n%s", diff)
	}

	// Every action must have a remote service.
	for kind, byName := range actions {
		for name := range byName {
			if _, err := protocol.LookupService(kind, name); err != nil {
				t.Errorf("%s.%s has no service mapping: %v", kind, name, err)
			}
		}
	}
}

func TestSourceFrom(t *testing.T) {
	if got := SourceFrom(context.Background()); got != "local" {
		t.Errorf("SourceFrom(empty) = %q, want local", got)
	}
	if got := SourceFrom(WithSource(context.Background(), "mqtt")); got != "mqtt" {
		t.Errorf("SourceFrom() = %q, want mqtt", got)
	}
}
