package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
// Each server owns its registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	activeUsers         prometheus.Gauge
	connectionsAccepted *prometheus.CounterVec // by transport
	handshakesRejected  *prometheus.CounterVec // by reason
	disconnects         prometheus.Counter

	// Message metrics
	framesReceived *prometheus.CounterVec // by header type
	protocolErrors *prometheus.CounterVec // by reason

	// Broadcast metrics
	broadcasts        prometheus.Counter
	broadcastFailures prometheus.Counter
	broadcastFanout   prometheus.Histogram

	// Command metrics
	commandsExecuted *prometheus.CounterVec // by command
	commandsDenied   *prometheus.CounterVec // by command

	// File transfer metrics
	uploadsCompleted  prometheus.Counter
	uploadBytes       prometheus.Counter
	outboundTransfers *prometheus.CounterVec // by result
}

// NewMetrics creates a new metrics instance with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_active_users",
				Help: "Current number of registered users",
			},
		),
		connectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_connections_accepted_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		handshakesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_handshakes_rejected_total",
				Help: "Total number of refused handshakes by reason",
			},
			[]string{"reason"},
		),
		disconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_disconnects_total",
				Help: "Total number of users deregistered",
			},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_frames_received_total",
				Help: "Total number of envelopes received from registered users by header type",
			},
			[]string{"type"},
		),
		protocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_protocol_errors_total",
				Help: "Total number of dropped envelopes by reason",
			},
			[]string{"reason"},
		),
		broadcasts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_broadcasts_total",
				Help: "Total number of broadcasts (unique messages, not deliveries)",
			},
		),
		broadcastFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_broadcast_failures_total",
				Help: "Total number of broadcast deliveries that failed",
			},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaychat_broadcast_fanout",
				Help:    "Number of users that received each broadcast",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		commandsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_commands_executed_total",
				Help: "Total number of commands run by name",
			},
			[]string{"command"},
		),
		commandsDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_commands_denied_total",
				Help: "Total number of admin-only commands refused to regular users",
			},
			[]string{"command"},
		),
		uploadsCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_uploads_completed_total",
				Help: "Total number of uploads stored",
			},
		),
		uploadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_upload_bytes_total",
				Help: "Total number of bytes stored from uploads",
			},
		),
		outboundTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_outbound_transfers_total",
				Help: "Total number of files streamed to peers by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordActiveUsers updates the registered user count
func (m *Metrics) RecordActiveUsers(count int) {
	m.activeUsers.Set(float64(count))
}

// RecordConnectionAccepted increments the accepted counter for a transport
func (m *Metrics) RecordConnectionAccepted(transport string) {
	m.connectionsAccepted.WithLabelValues(transport).Inc()
}

// RecordHandshakeRejected increments the rejected handshake counter
func (m *Metrics) RecordHandshakeRejected(reason string) {
	m.handshakesRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect increments the disconnect counter
func (m *Metrics) RecordDisconnect() {
	m.disconnects.Inc()
}

// RecordFrameReceived increments the received counter for a header type
func (m *Metrics) RecordFrameReceived(headerType string) {
	m.framesReceived.WithLabelValues(headerType).Inc()
}

// RecordProtocolError increments the dropped envelope counter
func (m *Metrics) RecordProtocolError(reason string) {
	m.protocolErrors.WithLabelValues(reason).Inc()
}

// RecordBroadcast records one broadcast and how it fanned out
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	m.broadcasts.Inc()
	m.broadcastFanout.Observe(float64(delivered))
	if failed > 0 {
		m.broadcastFailures.Add(float64(failed))
	}
}

// RecordCommandExecuted increments the executed counter for a command
func (m *Metrics) RecordCommandExecuted(name string) {
	m.commandsExecuted.WithLabelValues(name).Inc()
}

// RecordCommandDenied increments the denied counter for a command
func (m *Metrics) RecordCommandDenied(name string) {
	m.commandsDenied.WithLabelValues(name).Inc()
}

// RecordUploadCompleted records a stored upload and its size
func (m *Metrics) RecordUploadCompleted(bytes int64) {
	m.uploadsCompleted.Inc()
	m.uploadBytes.Add(float64(bytes))
}

// RecordOutboundTransfer increments the outbound transfer counter
func (m *Metrics) RecordOutboundTransfer(result string) {
	m.outboundTransfers.WithLabelValues(result).Inc()
}
