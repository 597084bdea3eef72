// Package telemetry registers the Prometheus collectors shared by the kitchen
// display client and the order backend.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orderdesk"

// Drop reasons used as the "reason" label.
const (
	ReasonMalformed  = "malformed"
	ReasonDuplicate  = "duplicate"
	ReasonTerminal   = "terminal"
	ReasonTransition = "invalid_transition"
	ReasonPanic      = "handler_panic"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	eventsReceived  *prometheus.CounterVec
	eventsApplied   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	refetches       *prometheus.CounterVec
	fetchFailures   prometheus.Counter
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	roomMembers     *prometheus.GaugeVec
	statusChanges   *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Realtime order events received, by event name.",
	}, []string{"event"})

	m.eventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_applied_total",
		Help:      "Realtime order events that changed the order cache.",
	}, []string{"event"})

	m.eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Realtime order events dropped, by event name and reason.",
	}, []string{"event", "reason"})

	m.refetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refetches_total",
		Help:      "Full order fetches, by trigger.",
	}, []string{"trigger"})

	m.fetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_failures_total",
		Help:      "Order fetches that failed or timed out.",
	})

	m.connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Event channel state: 0 disconnected, 1 connecting, 2 connected.",
	})

	m.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Event channel reconnections.",
	})

	m.roomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "room_members",
		Help:      "Clients currently joined to a restaurant room.",
	}, []string{"restaurant"})

	m.statusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_changes_total",
		Help:      "Order status changes accepted by the backend, by target status.",
	}, []string{"status"})

	m.registry.MustRegister(
		m.eventsReceived,
		m.eventsApplied,
		m.eventsDropped,
		m.refetches,
		m.fetchFailures,
		m.connectionState,
		m.reconnects,
		m.roomMembers,
		m.statusChanges,
	)

	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) EventApplied(event string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(event).Inc()
}

func (m *Metrics) EventDropped(event, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) Refetch(trigger string) {
	if m == nil {
		return
	}
	m.refetches.WithLabelValues(trigger).Inc()
}

func (m *Metrics) FetchFailed() {
	if m == nil {
		return
	}
	m.fetchFailures.Inc()
}

// ConnectionState records the numeric channel state.
func (m *Metrics) ConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RoomMembers(restaurant string, n int) {
	if m == nil {
		return
	}
	if n <= 0 {
		m.roomMembers.DeleteLabelValues(restaurant)
		return
	}
	m.roomMembers.WithLabelValues(restaurant).Set(float64(n))
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}
