// Package metrics provides Prometheus instrumentation for the real-time hub.
// It exposes gauges for live connections, counters for send outcomes, router
// dispatches and bridged domain events, and a histogram for broadcast fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the number of channels held by the registry.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_active",
		Help: "Current number of registered client channels",
	})

	// ConnectionsRejected counts connects refused, labeled by reason:
	// "bucket_full", "global_limit", "rate_limited", "duplicate".
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_connections_rejected_total",
		Help: "Connect attempts refused by the hub",
	}, []string{"reason"})

	// ConnectionsRemoved counts registry removals, labeled by reason:
	// "disconnect", "send_failed", "cleanup".
	ConnectionsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_connections_removed_total",
		Help: "Channels removed from the registry",
	}, []string{"reason"})

	// SendsTotal counts per-channel send attempts, labeled by result:
	// "ok", "failed", "timeout".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_sends_total",
		Help: "Per-channel send attempts",
	}, []string{"result"})

	// BroadcastDuration records how long one broadcast call takes, labeled by
	// scope: "project", "user", "all".
	BroadcastDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hub_broadcast_duration_seconds",
		Help:    "Wall time of one broadcast call",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
	}, []string{"scope"})

	// DispatchTotal counts router dispatches by inbound type and result:
	// "ok", "unknown_type", "handler_error", "invalid_format".
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_dispatch_total",
		Help: "Inbound messages dispatched by the router",
	}, []string{"type", "result"})

	// DispatchLatency records handler execution time in seconds.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hub_dispatch_latency_seconds",
		Help:    "Inbound message handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BridgeEventsTotal counts domain events seen by the bridge, labeled by
	// result: "forwarded", "no_project", "unmapped", "failed".
	BridgeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_bridge_events_total",
		Help: "Domain events handled by the event bridge",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsRejected,
		ConnectionsRemoved,
		SendsTotal,
		BroadcastDuration,
		DispatchTotal,
		DispatchLatency,
		BridgeEventsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
