package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync client's counters. Every component accepts a nil
// *Metrics and skips recording.
type Metrics struct {
	GatewayRequests   *prometheus.CounterVec
	Refreshes         *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	TransportStatus   *prometheus.GaugeVec
	PushEvents        *prometheus.CounterVec
	DroppedEvents     prometheus.Counter
	Rollbacks         *prometheus.CounterVec
	PendingOps        prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_gateway_requests_total",
			Help: "REST calls issued by the gateway, by outcome.",
		}, []string{"outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_credential_refreshes_total",
			Help: "Credential refresh calls, by result.",
		}, []string{"result"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_transport_reconnect_attempts_total",
			Help: "Scheduled transport reconnect attempts.",
		}),
		TransportStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatty_transport_state",
			Help: "1 for the transport's current state, 0 otherwise.",
		}, []string{"state"}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_push_events_total",
			Help: "Push events received, by type.",
		}, []string{"type"}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_push_events_dropped_total",
			Help: "Malformed push events that were dropped.",
		}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_optimistic_rollbacks_total",
			Help: "Optimistic mutations rolled back, by kind.",
		}, []string{"kind"}),
		PendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatty_pending_operations",
			Help: "Optimistic mutations awaiting the server.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.GatewayRequests,
			m.Refreshes,
			m.ReconnectAttempts,
			m.TransportStatus,
			m.PushEvents,
			m.DroppedEvents,
			m.Rollbacks,
			m.PendingOps,
		)
	}
	return m
}
