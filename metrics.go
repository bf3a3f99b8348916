package inbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	client, _ := inbox.NewClient(cfg, inbox.WithMetrics(reg))
type Metrics struct {
	// ConnectionState is 1 for the current state and 0 for the others.
	// Labels: state
	ConnectionState *prometheus.GaugeVec

	// ConnectAttempts counts dials, including retries.
	ConnectAttempts prometheus.Counter

	// MessagesSent counts Send outcomes.
	// Labels: outcome (sent|queued)
	MessagesSent *prometheus.CounterVec

	// SendDuration measures publish latency in seconds.
	// Buckets: 5ms to 10s
	SendDuration prometheus.Histogram

	// QueueDepth is the number of messages waiting in the offline queue.
	QueueDepth prometheus.Gauge

	// Drained counts delivery attempts made while draining the queue.
	// Labels: outcome (sent|failed)
	Drained *prometheus.CounterVec

	// PresenceEvents counts presence events received.
	// Labels: kind (enter|update|leave)
	PresenceEvents *prometheus.CounterVec

	// TypingPublishes counts local typing signals sent.
	// Labels: signal (start|stop)
	TypingPublishes *prometheus.CounterVec
}

var allStates = []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateSuspended, StateFailed}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inbox_connection_state",
				Help: "Current realtime connection state (1 for the active state)",
			},
			[]string{"state"},
		),

		ConnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inbox_connect_attempts_total",
				Help: "Total number of realtime dial attempts",
			},
		),

		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_messages_sent_total",
				Help: "Total number of messages sent by outcome",
			},
			[]string{"outcome"},
		),

		SendDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inbox_send_duration_seconds",
				Help:    "Duration of message publishes in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),

		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "inbox_offline_queue_depth",
				Help: "Number of messages waiting in the offline queue",
			},
		),

		Drained: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_queue_drained_total",
				Help: "Total number of queued delivery attempts by outcome",
			},
			[]string{"outcome"},
		),

		PresenceEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_presence_events_total",
				Help: "Total number of presence events received by kind",
			},
			[]string{"kind"},
		),

		TypingPublishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_typing_publishes_total",
				Help: "Total number of local typing signals sent",
			},
			[]string{"signal"},
		),
	}
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) connectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) sent(status MessageStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(string(status)).Inc()
	if status == StatusSent {
		m.SendDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) drained(ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.Drained.WithLabelValues(outcome).Inc()
}

func (m *Metrics) presenceEvent(kind EventKind) {
	if m == nil {
		return
	}
	label := "update"
	switch kind {
	case KindPresenceEnter:
		label = "enter"
	case KindPresenceLeave:
		label = "leave"
	}
	m.PresenceEvents.WithLabelValues(label).Inc()
}

func (m *Metrics) typingPublished(typing bool) {
	if m == nil {
		return
	}
	signal := "stop"
	if typing {
		signal = "start"
	}
	m.TypingPublishes.WithLabelValues(signal).Inc()
}
