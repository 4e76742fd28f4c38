package rudp

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Conn/Listener updates as
// connections come and go. A nil *Metrics is valid everywhere it's
// accepted; every method is a no-op in that case so metrics stay optional
// for callers that only embed rudp in a test harness. Per-connection
// collectors are labeled by remote address (§4.10) so a multi-peer server
// doesn't have one peer's samples overwrite another's.
type Metrics struct {
	registry *prometheus.Registry

	connectedPeers     prometheus.Gauge
	retransmits        *prometheus.CounterVec
	acksSent           *prometheus.CounterVec
	acksReceived       *prometheus.CounterVec
	disconnects        *prometheus.CounterVec
	avgRTTMillis       *prometheus.GaugeVec
	outstandingPackets *prometheus.GaugeVec
}

// NewMetrics registers a fresh set of collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember",
			Name:      "connected_peers",
			Help:      "Number of peers currently in the Connected state.",
		}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Name:      "retransmits_total",
			Help:      "Reliable-packet retransmissions, labeled by remote address.",
		}, []string{"remote"}),
		acksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Name:      "acks_sent_total",
			Help:      "Ack frames transmitted, labeled by remote address.",
		}, []string{"remote"}),
		acksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Name:      "acks_received_total",
			Help:      "Ack frames received, labeled by remote address.",
		}, []string{"remote"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Name:      "disconnects_total",
			Help:      "Connection teardowns, labeled by remote address and reason.",
		}, []string{"remote", "reason"}),
		avgRTTMillis: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ember",
			Name:      "avg_rtt_milliseconds",
			Help:      "Most recently sampled average RTT, labeled by remote address.",
		}, []string{"remote"}),
		outstandingPackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ember",
			Name:      "outstanding_packets",
			Help:      "Reliable packets awaiting acknowledgment, labeled by remote address.",
		}, []string{"remote"}),
	}
	registry.MustRegister(
		m.connectedPeers, m.retransmits, m.acksSent, m.acksReceived,
		m.disconnects, m.avgRTTMillis, m.outstandingPackets,
	)
	return m
}

func (m *Metrics) incPeers() {
	if m != nil {
		m.connectedPeers.Inc()
	}
}

func (m *Metrics) decPeers() {
	if m != nil {
		m.connectedPeers.Dec()
	}
}

func (m *Metrics) noteRetransmit(remote string) {
	if m != nil {
		m.retransmits.WithLabelValues(remote).Inc()
	}
}

func (m *Metrics) noteAckSent(remote string) {
	if m != nil {
		m.acksSent.WithLabelValues(remote).Inc()
	}
}

func (m *Metrics) noteAckReceived(remote string) {
	if m != nil {
		m.acksReceived.WithLabelValues(remote).Inc()
	}
}

func (m *Metrics) noteDisconnect(remote, reason string) {
	if m != nil {
		m.disconnects.WithLabelValues(remote, reason).Inc()
	}
}

func (m *Metrics) setAvgRTT(remote string, ms float64) {
	if m != nil {
		m.avgRTTMillis.WithLabelValues(remote).Set(ms)
	}
}

func (m *Metrics) setOutstanding(remote string, n int) {
	if m != nil {
		m.outstandingPackets.WithLabelValues(remote).Set(float64(n))
	}
}

// forgetRemote drops a closed connection's label series so cardinality
// tracks currently- and recently-connected peers rather than growing
// forever across reconnects.
func (m *Metrics) forgetRemote(remote string) {
	if m != nil {
		m.retransmits.DeleteLabelValues(remote)
		m.acksSent.DeleteLabelValues(remote)
		m.acksReceived.DeleteLabelValues(remote)
		m.avgRTTMillis.DeleteLabelValues(remote)
		m.outstandingPackets.DeleteLabelValues(remote)
	}
}
