// Package metrics exposes Prometheus collectors for the relay core.
//
// Every recording method is safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relayhub"

// Metrics groups the collectors recorded by the relay core.
type Metrics struct {
	connections      *prometheus.GaugeVec
	activeTransfers  prometheus.Gauge
	messagesRouted   *prometheus.CounterVec
	malformed        prometheus.Counter
	deliveryFailures prometheus.Counter
	chunksReceived   prometheus.Counter
	chunkBytes       prometheus.Counter
	materializations *prometheus.CounterVec
	timeouts         prometheus.Counter
	evictions        prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps repeated construction in tests harmless.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered connections by role.",
		}, []string{"role"}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Transfers that have not reached a terminal state.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Inbound messages dispatched by the router, by type.",
		}, []string{"type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound messages that could not be handed to a recipient.",
		}),
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Backup chunks accepted into a transfer.",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_received_total",
			Help:      "Decoded bytes accepted into transfers.",
		}),
		materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materializations_total",
			Help:      "Artifact materializations by result.",
		}, []string{"result"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_timed_out_total",
			Help:      "Transfers evicted by the deadline sweep.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_evicted_total",
			Help:      "Connections closed for missing a liveness probe.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections,
			m.activeTransfers,
			m.messagesRouted,
			m.malformed,
			m.deliveryFailures,
			m.chunksReceived,
			m.chunkBytes,
			m.materializations,
			m.timeouts,
			m.evictions,
		)
	}
	return m
}

// SetConnections replaces the per-role connection gauges.
func (m *Metrics) SetConnections(byRole map[string]int) {
	if m == nil {
		return
	}
	for role, n := range byRole {
		m.connections.WithLabelValues(role).Set(float64(n))
	}
}

// SetActiveTransfers records the number of non-terminal transfers.
func (m *Metrics) SetActiveTransfers(n int) {
	if m == nil {
		return
	}
	m.activeTransfers.Set(float64(n))
}

// MessageRouted counts one dispatched message.
func (m *Metrics) MessageRouted(msgType string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(msgType).Inc()
}

// Malformed counts one undecodable frame.
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// DeliveryFailed counts one failed hand-off.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// ChunkReceived counts one accepted chunk of size decoded bytes.
func (m *Metrics) ChunkReceived(size int64) {
	if m == nil {
		return
	}
	m.chunksReceived.Inc()
	m.chunkBytes.Add(float64(size))
}

// Materialized counts one materialization attempt.
func (m *Metrics) Materialized(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.materializations.WithLabelValues(result).Inc()
}

// TransferTimedOut counts one deadline eviction.
func (m *Metrics) TransferTimedOut() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// ConnectionEvicted counts one liveness eviction.
func (m *Metrics) ConnectionEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
