package relay

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connectAttempts prometheus.Counter
	connectFailures prometheus.Counter
	topicPeers      prometheus.Gauge
	published       prometheus.Counter
	publishFailures prometheus.Counter
	received        prometheus.Counter
	droppedPayloads prometheus.Counter
	state           prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_relay_connect_attempts_total",
			Help: "Relay connect attempts.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_relay_connect_failures_total",
			Help: "Relay connect attempts that ended in the error state.",
		}),
		topicPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomwire_relay_topic_peers",
			Help: "Peers currently visible on the room topic.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_relay_published_total",
			Help: "Messages published to the room topic.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_relay_publish_failures_total",
			Help: "Publish calls that returned an error.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_relay_received_total",
			Help: "Payloads received on the room topic that decrypted and decoded.",
		}),
		droppedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_relay_dropped_payloads_total",
			Help: "Inbound payloads dropped for failing decryption or decoding.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomwire_relay_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 error).",
		}),
	}

	reg.MustRegister(
		m.connectAttempts,
		m.connectFailures,
		m.topicPeers,
		m.published,
		m.publishFailures,
		m.received,
		m.droppedPayloads,
		m.state,
	)
	return m
}

func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) SetTopicPeers(n int) {
	if m == nil {
		return
	}
	m.topicPeers.Set(float64(n))
}

func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.droppedPayloads.Inc()
}

func (m *Metrics) SetState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
