package control_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/syncpulse-ws/control"
	"github.com/momentics/syncpulse-ws/provider"
)

var _ provider.Stats = (*control.Metrics)(nil)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.HandshakeFailed()
	m.ClientRegistered()
	m.ClientRegistered()
	m.ClientRemoved()
	m.MessageProcessed("dashboard_request")
	m.MessageFailed("invalid_json")
	m.Broadcast("periodic_update", 2)
	m.WriteDropped()
	m.ObserveProvider(provider.CallDashboard, 3*time.Millisecond, errors.New("x"))

	assert.Equal(t, 1, m.ConnectedClients())
	assert.Equal(t, uint64(2), m.ConnectionsServed())
	assert.Equal(t, uint64(1), m.MessagesProcessed())
	assert.Equal(t, uint64(1), m.ErrorsCount())

	expected := `
# HELP syncpulse_connected_clients Currently registered WebSocket clients
# TYPE syncpulse_connected_clients gauge
syncpulse_connected_clients 1
# HELP syncpulse_dropped_writes_total Frames not delivered because the client was gone or too slow
# TYPE syncpulse_dropped_writes_total counter
syncpulse_dropped_writes_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, stringsReader(expected),
		"syncpulse_connected_clients", "syncpulse_dropped_writes_total"))

	n, err := testutil.GatherAndCount(reg, "syncpulse_connections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "accepted and handshake_failed series")
}

func TestMetrics_BroadcastDroppedIsSeparate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)

	m.BroadcastDropped("sync_completed")
	m.BroadcastDropped("sync_completed")

	expected := `
# HELP syncpulse_dropped_broadcasts_total Broadcasts discarded before fan-out because the event loop was full or stopped
# TYPE syncpulse_dropped_broadcasts_total counter
syncpulse_dropped_broadcasts_total{type="sync_completed"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, stringsReader(expected), "syncpulse_dropped_broadcasts_total"))
	n, err := testutil.GatherAndCount(reg, "syncpulse_broadcasts_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}
