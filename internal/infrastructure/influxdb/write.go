package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Measurement names.
const (
	MeasurementConnection = "mirror_connection"
	MeasurementSync       = "mirror_sync"
	MeasurementEntity     = "entity_state"
)

// WritePoint queues a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp. Points with
// no fields are ignored; points written after Close are counted as dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 {
		return
	}
	c.lifeMu.RLock()
	defer c.lifeMu.RUnlock()
	if !c.open.Load() {
		c.dropped.Add(1)
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
	c.queued.Add(1)
}

// WriteConnection records one connection state transition.
func (c *Client) WriteConnection(cs entity.ConnectionState) {
	ts := cs.Since
	if ts.IsZero() {
		ts = time.Now()
	}
	c.WritePointWithTime(MeasurementConnection,
		map[string]string{"status": string(cs.Status), "phase": cs.Phase},
		map[string]any{
			"epoch":   int64(cs.Epoch), //nolint:gosec // epochs stay far below MaxInt64
			"attempt": cs.Attempt,
			"message": cs.Message,
		}, ts)
}

// WriteCounters records a sample of monotonically increasing counters
// under MeasurementSync, tagged with the component that owns them.
func (c *Client) WriteCounters(component string, counters map[string]uint64) {
	fields := make(map[string]any, len(counters))
	for k, v := range counters {
		fields[k] = int64(v) //nolint:gosec // counters stay far below MaxInt64
	}
	c.WritePoint(MeasurementSync, map[string]string{"component": component}, fields)
}

// WriteEntityState records an entity view. A numeric state (sensor
// readings) is also written as the float field "value", and the common
// numeric attributes are copied alongside it.
func (c *Client) WriteEntityState(v *entity.View) {
	if v == nil {
		return
	}
	fields := EntityFields(v)
	ts := v.LastUpdated
	if ts.IsZero() {
		ts = time.Now()
	}
	c.WritePointWithTime(MeasurementEntity,
		map[string]string{
			"entity_id": v.ID,
			"kind":      string(v.Kind),
			"room":      v.Room,
			"floor":     v.Floor,
		}, fields, ts)
}

// EntityFields returns the field set written for v.
func EntityFields(v *entity.View) map[string]any {
	fields := map[string]any{
		"state":     v.State,
		"available": v.Available,
	}
	if f, err := strconv.ParseFloat(v.State, 64); err == nil {
		fields["value"] = f
	}

	a := v.Attributes
	if a.Brightness != nil {
		fields["brightness"] = *a.Brightness
	}
	if a.Position != nil {
		fields["position"] = *a.Position
	}
	if a.Percentage != nil {
		fields["percentage"] = *a.Percentage
	}
	if a.VolumeLevel != nil {
		fields["volume_level"] = *a.VolumeLevel
	}
	if a.Temperature != nil {
		fields["target_temperature"] = *a.Temperature
	}
	if a.CurrentTemperature != nil {
		fields["current_temperature"] = *a.CurrentTemperature
	}
	return fields
}
