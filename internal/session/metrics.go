package session

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	duplicates    prometheus.Counter
	sendFailures  prometheus.Counter
	notifications prometheus.Counter
	transcript    prometheus.Gauge
	unread        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_session_duplicates_suppressed_total",
			Help: "Inbound messages dropped because their id was already seen.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_session_send_failures_total",
			Help: "Outbound messages marked failed after a publish error.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomwire_session_notifications_total",
			Help: "Arrival notifications fired while the room was closed.",
		}),
		transcript: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomwire_session_transcript_length",
			Help: "Messages currently held in the in-memory transcript.",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomwire_session_unread",
			Help: "Current unread counter.",
		}),
	}

	reg.MustRegister(m.duplicates, m.sendFailures, m.notifications, m.transcript, m.unread)
	return m
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) SetTranscriptLength(n int) {
	if m == nil {
		return
	}
	m.transcript.Set(float64(n))
}

func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}
