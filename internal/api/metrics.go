package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/bridges/mqttstate"
	"github.com/nerrad567/gray-logic-mirror/internal/mirror"
)

// SystemMetrics is the JSON snapshot served by GET /api/v1/metrics. The
// same counters are exported for Prometheus on /metrics.
type SystemMetrics struct {
	Timestamp     time.Time          `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	Catalog       CatalogMetrics     `json:"catalog"`
	WebSocket     WSMetrics          `json:"websocket"`
	Mirror        mirror.Stats       `json:"mirror"`
	MQTTBridge    *mqttstate.Metrics `json:"mqtt_bridge,omitempty"`
	Database      *DatabaseMetrics   `json:"database,omitempty"`
}

// RuntimeMetrics are Go runtime figures.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	HeapObjects   uint64  `json:"heap_objects"`
	NumGC         uint32  `json:"num_gc"`
	LastGCPauseUS uint64  `json:"last_gc_pause_us"`
}

// CatalogMetrics describes the loaded catalog.
type CatalogMetrics struct {
	Entities int `json:"entities"`
	Rooms    int `json:"rooms"`
	Floors   int `json:"floors"`
}

// WSMetrics describes the relay WebSocket hub.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	PendingTickets   int `json:"pending_tickets"`
}

// DatabaseMetrics is the journal connection pool.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	cat := s.engine.Catalog()
	m := SystemMetrics{
		Timestamp:     time.Now().UTC(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       readRuntimeMetrics(),
		Catalog: CatalogMetrics{
			Entities: cat.Len(),
			Rooms:    len(cat.Rooms()),
			Floors:   len(cat.Floors()),
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			PendingTickets:   s.tickets.len(),
		},
		Mirror: s.engine.Stats(),
	}

	if s.bridge != nil {
		bm := s.bridge.Metrics()
		m.MQTTBridge = &bm
	}
	if s.db != nil {
		st := s.db.Stats()
		m.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, m)
}

func readRuntimeMetrics() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / (1 << 20),
		HeapObjects:   ms.HeapObjects,
		NumGC:         ms.NumGC,
		LastGCPauseUS: ms.PauseNs[(ms.NumGC+255)%256] / 1000,
	}
}
