// Package influxdb exports sync telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go's non-blocking write API and adds the three
// measurements the mirror writes:
//
//	mirror_connection  one point per connection state transition
//	mirror_sync        periodic counter samples per component
//	entity_state       one point per entity change
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteConnection(engine.ConnectionState())
//
// Writes are batched and never block; failures arrive on the SetOnError
// callback.
package influxdb
