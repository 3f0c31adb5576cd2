package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-mirror/internal/bridges/mqttstate"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
	"github.com/nerrad567/gray-logic-mirror/internal/mirror"
)

const metricsNamespace = "graylogic_mirror"

type engineCounter struct {
	desc  *prometheus.Desc
	value func(mirror.Stats) uint64
}

type bridgeCounter struct {
	desc  *prometheus.Desc
	value func(mqttstate.Metrics) uint64
}

func counterDesc(subsystem, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, nil, nil)
}

var engineCounters = []engineCounter{
	{counterDesc("store", "snapshots_applied_total", "Snapshots applied to the store."),
		func(st mirror.Stats) uint64 { return st.Store.SnapshotsApplied }},
	{counterDesc("store", "updates_applied_total", "Incremental updates that changed a view."),
		func(st mirror.Stats) uint64 { return st.Store.UpdatesApplied }},
	{counterDesc("store", "updates_unchanged_total", "Incremental updates equal to the current view."),
		func(st mirror.Stats) uint64 { return st.Store.UpdatesUnchanged }},
	{counterDesc("store", "stale_dropped_total", "Updates from an older connection dropped at the snapshot boundary."),
		func(st mirror.Stats) uint64 { return st.Store.StaleDropped }},
	{counterDesc("store", "unknown_dropped_total", "Rows for entities outside the catalog."),
		func(st mirror.Stats) uint64 { return st.Store.UnknownDropped }},
	{counterDesc("store", "optimistic_applied_total", "Optimistic updates applied by dispatched commands."),
		func(st mirror.Stats) uint64 { return st.Store.OptimisticApplied }},
	{counterDesc("protocol", "frames_received_total", "WebSocket frames read from the remote."),
		func(st mirror.Stats) uint64 { return st.Protocol.FramesReceived }},
	{counterDesc("protocol", "events_delivered_total", "State events delivered to the store."),
		func(st mirror.Stats) uint64 { return st.Protocol.EventsDelivered }},
	{counterDesc("protocol", "events_filtered_total", "State events discarded for entities outside the catalog."),
		func(st mirror.Stats) uint64 { return st.Protocol.EventsFiltered }},
	{counterDesc("protocol", "malformed_total", "Malformed inbound messages dropped."),
		func(st mirror.Stats) uint64 { return st.Protocol.Malformed }},
	{counterDesc("protocol", "sessions_total", "Connections that reached ready."),
		func(st mirror.Stats) uint64 { return st.Protocol.Sessions }},
	{counterDesc("protocol", "reconnects_total", "Reconnect attempts."),
		func(st mirror.Stats) uint64 { return st.Protocol.Reconnects }},
	{counterDesc("commands", "dispatched_total", "Commands forwarded to the remote."),
		func(st mirror.Stats) uint64 { return st.Commands.Dispatched }},
	{counterDesc("commands", "invalid_total", "Commands rejected by validation."),
		func(st mirror.Stats) uint64 { return st.Commands.Invalid }},
	{counterDesc("commands", "send_failed_total", "Commands that could not be sent."),
		func(st mirror.Stats) uint64 { return st.Commands.SendFailed }},
	{counterDesc("commands", "succeeded_total", "Commands the remote accepted."),
		func(st mirror.Stats) uint64 { return st.Commands.Succeeded }},
	{counterDesc("commands", "rejected_total", "Commands the remote rejected."),
		func(st mirror.Stats) uint64 { return st.Commands.Rejected }},
}

var bridgeCounters = []bridgeCounter{
	{counterDesc("mqtt_bridge", "states_published_total", "Entity views published to MQTT."),
		func(m mqttstate.Metrics) uint64 { return m.StatesPublished }},
	{counterDesc("mqtt_bridge", "publish_errors_total", "Failed MQTT publishes."),
		func(m mqttstate.Metrics) uint64 { return m.PublishErrors }},
	{counterDesc("mqtt_bridge", "commands_received_total", "Commands received over MQTT."),
		func(m mqttstate.Metrics) uint64 { return m.CommandsReceived }},
	{counterDesc("mqtt_bridge", "commands_failed_total", "MQTT commands that failed validation or dispatch."),
		func(m mqttstate.Metrics) uint64 { return m.CommandsFailed }},
}

var (
	connectedDesc = prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "connected"),
		"1 while the remote connection is ready.", nil, nil)
	epochDesc = prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "connection_epoch"),
		"Epoch of the current remote connection.", nil, nil)
	attemptDesc = prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "reconnect_attempt"),
		"Current consecutive reconnect attempt.", nil, nil)
	subscriptionsDesc = prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "subscriptions"),
		"Live view subscriptions by type.", []string{"type"}, nil)
	wsClientsDesc = prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "websocket", "clients"),
		"Connected relay WebSocket clients.", nil, nil)
)

// mirrorCollector reads the engine, bridge and hub counters at scrape time.
type mirrorCollector struct {
	s *Server
}

func (c mirrorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, ec := range engineCounters {
		ch <- ec.desc
	}
	for _, bc := range bridgeCounters {
		ch <- bc.desc
	}
	ch <- connectedDesc
	ch <- epochDesc
	ch <- attemptDesc
	ch <- subscriptionsDesc
	ch <- wsClientsDesc
}

func (c mirrorCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.s.engine.Stats()
	for _, ec := range engineCounters {
		ch <- prometheus.MustNewConstMetric(ec.desc, prometheus.CounterValue, float64(ec.value(st)))
	}

	connected := 0.0
	if st.Connection.Status == entity.StatusConnected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(connectedDesc, prometheus.GaugeValue, connected)
	ch <- prometheus.MustNewConstMetric(epochDesc, prometheus.GaugeValue, float64(st.Connection.Epoch))
	ch <- prometheus.MustNewConstMetric(attemptDesc, prometheus.GaugeValue, float64(st.Connection.Attempt))
	ch <- prometheus.MustNewConstMetric(subscriptionsDesc, prometheus.GaugeValue, float64(st.Subscriptions.Entity), "entity")
	ch <- prometheus.MustNewConstMetric(subscriptionsDesc, prometheus.GaugeValue, float64(st.Subscriptions.Group), "group")
	ch <- prometheus.MustNewConstMetric(subscriptionsDesc, prometheus.GaugeValue, float64(st.Subscriptions.Status), "status")
	ch <- prometheus.MustNewConstMetric(wsClientsDesc, prometheus.GaugeValue, float64(c.s.hub.ClientCount()))

	if c.s.bridge != nil {
		m := c.s.bridge.Metrics()
		for _, bc := range bridgeCounters {
			ch <- prometheus.MustNewConstMetric(bc.desc, prometheus.CounterValue, float64(bc.value(m)))
		}
	}
}

// httpMetrics counts relay requests by route pattern.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// newRegistry builds the per-server Prometheus registry.
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	s.httpMetrics = &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Relay HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Relay HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mirrorCollector{s: s},
		s.httpMetrics.requests,
		s.httpMetrics.duration,
	)
	return reg
}

// prometheusHandler serves the registry in the Prometheus exposition format.
func (s *Server) prometheusHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
