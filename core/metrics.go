package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chatsync"

// Metrics holds the collectors updated by the transport and session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	stateTransitions  *prometheus.CounterVec
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	reconciled        *prometheus.CounterVec
	failedMessages    prometheus.Counter
	droppedEvents     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// reg may be nil, in which case the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a transport failure.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames received by command.",
		}, []string{"command"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "messages_reconciled_total",
			Help:      "Incoming messages by reconciliation outcome.",
		}, []string{"outcome"}),
		failedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "messages_failed_total",
			Help:      "Locally sent messages marked failed.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "events_dropped_total",
			Help:      "Session events dropped because the consumer was not keeping up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.stateTransitions,
			m.connectionState,
			m.reconnectAttempts,
			m.framesReceived,
			m.reconciled,
			m.failedMessages,
			m.droppedEvents,
		)
	}
	return m
}

// Reconciliation outcomes.
const (
	outcomeAppended  = "appended"
	outcomeReplaced  = "replaced"
	outcomeDuplicate = "duplicate"
)

func (m *Metrics) stateChanged(from, to ConnectionState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.connectionState.Set(float64(to))
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) frameReceived(command string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) reconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) messageFailed() {
	if m == nil {
		return
	}
	m.failedMessages.Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
