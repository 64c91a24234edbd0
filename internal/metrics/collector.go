// Package metrics exposes the gateway's Prometheus metrics: a domain
// re-labeling of the teacher's bfdmetrics.Collector (session gauges, packet
// counters, state-transition counters) onto soil-mesh nouns — active node
// sessions, readings received, port-pool free count, registrations,
// terminations, and handshake failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "plantminder"
	subsystem = "gateway"
)

// Label names for gateway metrics.
const (
	labelSourceIPv6 = "source_ipv6"
	labelReason     = "reason"
)

// Collector holds all plant-minder gateway Prometheus metrics.
//
//   - ActiveSessions tracks currently live Node Sessions.
//   - Subscribers tracks currently registered Broker subscribers.
//   - ReadingsReceived counts decoded SensorReadings per source IPv6 address.
//   - PortPoolFree tracks the Port Pool's free-port count.
//   - Registrations counts successful CoAP-observe handshakes.
//   - Terminations counts Node Session terminations, labeled by reason.
//   - HandshakeFailures counts failed CoAP-observe handshakes.
type Collector struct {
	// ActiveSessions is the number of currently live Node Sessions.
	// Incremented on session spawn, decremented on session termination.
	ActiveSessions prometheus.Gauge

	// Subscribers is the number of currently registered Broker subscribers.
	// Kept live by the Broker's maintenance tick (spec §6: broker_tick_rate_ms),
	// via Collector.OnBrokerTick.
	Subscribers prometheus.Gauge

	// ReadingsReceived counts decoded SensorReadings, labeled by the source
	// node's on-mesh IPv6 address (the Node Session's only identity at
	// demultiplex time; see internal/broker.demuxStream).
	ReadingsReceived *prometheus.CounterVec

	// PortPoolFree is the Port Pool's current free-port count (spec §3).
	PortPoolFree prometheus.Gauge

	// Registrations counts successful CoAP-observe handshakes (spec §4.4).
	Registrations prometheus.Counter

	// Terminations counts Node Session terminations, labeled by
	// meshtypes.TerminationReason string (spec §3, §7).
	Terminations *prometheus.CounterVec

	// HandshakeFailures counts CoAP-observe handshakes that did not reach a
	// successful registration (deadline exceeded or wire error, spec §4.4).
	HandshakeFailures prometheus.Counter
}

// NewCollector creates a Collector with all gateway metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "plantminder_gateway_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveSessions,
		c.Subscribers,
		c.ReadingsReceived,
		c.PortPoolFree,
		c.Registrations,
		c.Terminations,
		c.HandshakeFailures,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_node_sessions",
			Help:      "Number of currently live Node Sessions.",
		}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broker_subscribers",
			Help:      "Number of currently registered Broker subscribers.",
		}),

		ReadingsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "readings_received_total",
			Help:      "Total decoded SensorReadings received, per source node IPv6 address.",
		}, []string{labelSourceIPv6}),

		PortPoolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "port_pool_free",
			Help:      "Number of currently free ports in the reserved-port pool.",
		}),

		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registrations_total",
			Help:      "Total successful CoAP-observe handshakes.",
		}),

		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_terminations_total",
			Help:      "Total Node Session terminations, labeled by reason.",
		}, []string{labelReason}),

		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_failures_total",
			Help:      "Total CoAP-observe handshakes that did not reach registration.",
		}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionStarted increments the active-sessions gauge. Called when the
// Event Router spawns a Node Session.
func (c *Collector) SessionStarted() {
	c.ActiveSessions.Inc()
}

// SessionEnded decrements the active-sessions gauge and records the
// termination reason. Called when a Node Session's event stream is
// demultiplexed into a Termination (or closes silently on SetupError,
// which is not counted here since no session was ever live).
func (c *Collector) SessionEnded(reason string) {
	c.ActiveSessions.Dec()
	c.Terminations.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Readings and Registration
// -------------------------------------------------------------------------

// IncReadingsReceived increments the readings counter for the given source
// IPv6 address.
func (c *Collector) IncReadingsReceived(sourceIPv6 string) {
	c.ReadingsReceived.WithLabelValues(sourceIPv6).Inc()
}

// IncRegistrations increments the successful-registration counter.
func (c *Collector) IncRegistrations() {
	c.Registrations.Inc()
}

// IncHandshakeFailures increments the failed-handshake counter.
func (c *Collector) IncHandshakeFailures() {
	c.HandshakeFailures.Inc()
}

// -------------------------------------------------------------------------
// Gauges Driven By Ticks
// -------------------------------------------------------------------------

// SetPortPoolFree sets the port-pool free-count gauge, read from
// portpool.Pool.FreeCount on a maintenance tick.
func (c *Collector) SetPortPoolFree(free int) {
	c.PortPoolFree.Set(float64(free))
}

// OnBrokerTick is installed via broker.Broker.OnTick to keep the
// subscriber-count gauge live without the broker package importing
// prometheus directly.
func (c *Collector) OnBrokerTick(subscriberCount int) {
	c.Subscribers.Set(float64(subscriberCount))
}
