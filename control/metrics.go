// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the server. The counters that also appear in
// the performance snapshot are mirrored in atomics so reads stay cheap.

package control

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection outcomes.
const (
	ConnAccepted        = "accepted"
	ConnHandshakeFailed = "handshake_failed"
	ConnRejected        = "rejected"
)

// Metrics holds every collector the server updates.
type Metrics struct {
	connected    prometheus.Gauge
	connections  *prometheus.CounterVec
	messages     *prometheus.CounterVec
	msgErrors    *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	lostCasts    *prometheus.CounterVec
	dropped      prometheus.Counter
	providerTime *prometheus.HistogramVec

	clients   atomic.Int64
	served    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncpulse_connected_clients",
			Help: "Currently registered WebSocket clients",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncpulse_connections_total",
			Help: "Accepted TCP connections by handshake outcome",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncpulse_messages_total",
			Help: "Control messages handled by type",
		}, []string{"type"}),
		msgErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncpulse_message_errors_total",
			Help: "Control messages that failed by reason",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncpulse_broadcasts_total",
			Help: "Broadcasts fanned out by event type",
		}, []string{"type"}),
		lostCasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncpulse_dropped_broadcasts_total",
			Help: "Broadcasts discarded before fan-out because the event loop was full or stopped",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncpulse_dropped_writes_total",
			Help: "Frames not delivered because the client was gone or too slow",
		}),
		providerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncpulse_provider_duration_seconds",
			Help:    "Data provider call latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"call"}),
	}
	if reg != nil {
		reg.MustRegister(m.connected, m.connections, m.messages, m.msgErrors,
			m.broadcasts, m.lostCasts, m.dropped, m.providerTime)
	}
	return m
}

func (m *Metrics) ConnectionAccepted() {
	m.served.Add(1)
	m.connections.WithLabelValues(ConnAccepted).Inc()
}

func (m *Metrics) HandshakeFailed() {
	m.connections.WithLabelValues(ConnHandshakeFailed).Inc()
}

func (m *Metrics) ConnectionRejected() {
	m.connections.WithLabelValues(ConnRejected).Inc()
}

func (m *Metrics) ClientRegistered() {
	m.connected.Set(float64(m.clients.Add(1)))
}

func (m *Metrics) ClientRemoved() {
	m.connected.Set(float64(m.clients.Add(-1)))
}

// MessageProcessed counts a successfully handled control message.
func (m *Metrics) MessageProcessed(msgType string) {
	m.processed.Add(1)
	m.messages.WithLabelValues(msgType).Inc()
}

// MessageFailed counts a control message that produced an error.
func (m *Metrics) MessageFailed(reason string) {
	m.failed.Add(1)
	m.msgErrors.WithLabelValues(reason).Inc()
}

// Broadcast records one fan-out and the frames it could not deliver.
func (m *Metrics) Broadcast(eventType string, failed int) {
	m.broadcasts.WithLabelValues(eventType).Inc()
	if failed > 0 {
		m.dropped.Add(float64(failed))
	}
}

// BroadcastDropped counts a broadcast that never reached fan-out.
func (m *Metrics) BroadcastDropped(eventType string) {
	m.lostCasts.WithLabelValues(eventType).Inc()
}

func (m *Metrics) WriteDropped() {
	m.dropped.Inc()
}

// ObserveProvider matches provider.Observer.
func (m *Metrics) ObserveProvider(call string, elapsed time.Duration, _ error) {
	m.providerTime.WithLabelValues(call).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectedClients() int {
	return int(m.clients.Load())
}

func (m *Metrics) ConnectionsServed() uint64 {
	return m.served.Load()
}

func (m *Metrics) MessagesProcessed() uint64 {
	return m.processed.Load()
}

func (m *Metrics) ErrorsCount() uint64 {
	return m.failed.Load()
}
