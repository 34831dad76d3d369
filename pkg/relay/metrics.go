package relay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Room metrics
	roomSubscribers *prometheus.GaugeVec
	joinsDenied     prometheus.Counter

	// Broadcast metrics
	broadcastFanout *prometheus.HistogramVec
	eventsDelivered *prometheus.CounterVec

	// Command metrics
	commandsReceived *prometheus.CounterVec

	// Presence and typing
	presenceTransitions *prometheus.CounterVec
	typingActive        prometheus.Gauge

	// Collaborator failures
	collaboratorTimeouts *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Current number of live sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_created_total",
				Help: "Total number of sessions admitted",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_disconnected_total",
				Help: "Total number of sessions dismissed",
			},
		),
		roomSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_room_subscribers",
				Help: "Number of sessions subscribed per room",
			},
			[]string{"room_id"},
		),
		joinsDenied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_room_joins_denied_total",
				Help: "Total number of room joins denied by authorization",
			},
		),
		broadcastFanout: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast event",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"type"},
		),
		eventsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_delivered_total",
				Help: "Total number of events delivered to sessions by type",
			},
			[]string{"type"},
		),
		commandsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_commands_received_total",
				Help: "Total number of client commands received by type",
			},
			[]string{"type"},
		),
		presenceTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_presence_transitions_total",
				Help: "Total number of confirmed presence transitions",
			},
			[]string{"state"},
		),
		typingActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_typing_active",
				Help: "Current number of unexpired typing entries",
			},
		),
		collaboratorTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_collaborator_timeouts_total",
				Help: "Total number of collaborator calls that exceeded their bound",
			},
			[]string{"op"},
		),
	}
}

// RecordActiveSessions updates the live session count.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the admission counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the dismissal counter.
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordRoomSubscribers updates the subscriber count for a room.
func (m *Metrics) RecordRoomSubscribers(roomID int64, count int) {
	m.roomSubscribers.WithLabelValues(strconv.FormatInt(roomID, 10)).Set(float64(count))
}

// RecordJoinDenied increments the denied-join counter.
func (m *Metrics) RecordJoinDenied() {
	m.joinsDenied.Inc()
}

// RecordBroadcastFanout records how many sessions received a broadcast.
func (m *Metrics) RecordBroadcastFanout(eventType string, recipientCount int) {
	m.broadcastFanout.WithLabelValues(eventType).Observe(float64(recipientCount))
}

// RecordEventDelivered increments the delivery counter for an event type.
func (m *Metrics) RecordEventDelivered(eventType string) {
	m.eventsDelivered.WithLabelValues(eventType).Inc()
}

// RecordCommandReceived increments the command counter for a command type.
func (m *Metrics) RecordCommandReceived(commandType string) {
	m.commandsReceived.WithLabelValues(commandType).Inc()
}

// RecordPresenceTransition increments the transition counter for a state.
func (m *Metrics) RecordPresenceTransition(state string) {
	m.presenceTransitions.WithLabelValues(state).Inc()
}

// RecordTypingActive updates the unexpired typing entry count.
func (m *Metrics) RecordTypingActive(count int) {
	m.typingActive.Set(float64(count))
}

// RecordCollaboratorTimeout increments the timeout counter for an operation.
func (m *Metrics) RecordCollaboratorTimeout(op string) {
	m.collaboratorTimeouts.WithLabelValues(op).Inc()
}
