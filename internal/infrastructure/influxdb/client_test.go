package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/influxdb"
)

// fakeInflux answers pings and records line protocol bodies.
type fakeInflux struct {
	srv *httptest.Server

	mu     sync.Mutex
	lines  []string
	status int
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{status: http.StatusNoContent}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()

		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/write") {
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if l != "" {
					f.lines = append(f.lines, l)
				}
			}
			f.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeInflux) config() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           f.srv.URL,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "mirror",
		BatchSize:     1,
		FlushInterval: 1,
	}
}

func connect(t *testing.T, f *fakeInflux) *influxdb.Client {
	t.Helper()
	c, err := influxdb.Connect(f.config())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test cleanup
	return c
}

// waitFor polls the recorded lines for one containing every fragment.
func waitFor(t *testing.T, f *fakeInflux, fragments ...string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, l := range f.written() {
			ok := true
			for _, frag := range fragments {
				if !strings.Contains(l, frag) {
					ok = false
					break
				}
			}
			if ok {
				return l
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no line containing %q; got %q", fragments, f.written())
	return ""
}

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	f := newFakeInflux(t)
	f.status = http.StatusServiceUnavailable

	_, err := influxdb.Connect(f.config())
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteConnection(t *testing.T) {
	f := newFakeInflux(t)
	c := connect(t, f)

	c.WriteConnection(entity.ConnectionState{
		Status: entity.StatusConnected,
		Phase:  "ready",
		Epoch:  2,
		Since:  time.Now(),
	})
	c.Flush()

	waitFor(t, f, influxdb.MeasurementConnection+",", "status=connected", "phase=ready", "epoch=2i")
}

func TestWriteCounters(t *testing.T) {
	f := newFakeInflux(t)
	c := connect(t, f)

	c.WriteCounters("protocol", map[string]uint64{"frames_received": 42, "reconnects": 1})
	c.Flush()

	waitFor(t, f, influxdb.MeasurementSync+",component=protocol", "frames_received=42i", "reconnects=1i")
}

func TestWriteEntityState(t *testing.T) {
	f := newFakeInflux(t)
	c := connect(t, f)

	c.WriteEntityState(&entity.View{
		Identity: entity.Identity{ID: "sensor.outdoor_temp", Kind: entity.KindSensor, Room: "Garden", Floor: "Ground"},
		RuntimeState: entity.RuntimeState{
			State:       "21.5",
			Available:   true,
			LastUpdated: time.Now(),
		},
	})
	c.Flush()

	waitFor(t, f, influxdb.MeasurementEntity+",", "entity_id=sensor.outdoor_temp", "room=Garden", "value=21.5", `state="21.5"`)
}

func TestEntityFields(t *testing.T) {
	v := &entity.View{
		RuntimeState: entity.RuntimeState{
			State:     entity.StateOn,
			Available: true,
			Attributes: entity.Attributes{
				Brightness: entity.IntPtr(180),
			},
		},
	}
	fields := influxdb.EntityFields(v)

	if _, ok := fields["value"]; ok {
		t.Error("non-numeric state should not produce a value field")
	}
	if fields["brightness"] != 180 {
		t.Errorf("brightness = %v, want 180", fields["brightness"])
	}
	if fields["state"] != entity.StateOn || fields["available"] != true {
		t.Errorf("fields = %v", fields)
	}
}

func TestClose(t *testing.T) {
	f := newFakeInflux(t)
	c := connect(t, f)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	// Writes after Close are dropped without panicking.
	c.WriteCounters("store", map[string]uint64{"updates_applied": 1})
	c.Flush()
	if got := c.Stats().PointsDropped; got != 1 {
		t.Errorf("PointsDropped = %d, want 1", got)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}

func TestServiceTagAndStats(t *testing.T) {
	f := newFakeInflux(t)
	c := connect(t, f)

	c.WritePoint("probe", map[string]string{"kind": "light"}, map[string]any{"value": 1})
	c.WritePoint("probe", nil, nil)
	c.Flush()

	waitFor(t, f, "probe,", "service="+influxdb.ServiceTag, "kind=light", "value=1i")
	if st := c.Stats(); st.PointsQueued != 1 || st.PointsDropped != 0 {
		t.Errorf("Stats() = %+v, want 1 queued, 0 dropped", st)
	}
}

func TestClose_Nil(t *testing.T) {
	var c *influxdb.Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}
