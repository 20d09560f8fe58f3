package control_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/syncpulse-ws/control"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func newOps(t *testing.T, clock clockwork.Clock) (*control.OpsServer, *control.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := control.NewMetrics(reg)
	probes := control.NewDebugProbes()
	probes.RegisterProbe("server.clients", func() any { return metrics.ConnectedClients() })
	control.RegisterPlatformProbes(probes)
	return control.NewOpsServer(control.OpsConfig{
		Gatherer: reg,
		Probes:   probes,
		Clients:  metrics,
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
	}), metrics
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOps_Healthz(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ops, metrics := newOps(t, clock)
	metrics.ClientRegistered()
	clock.Advance(42 * time.Second)

	rec := get(t, ops.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","clients":1,"uptime_seconds":42}`, rec.Body.String())
}

func TestOps_Metrics(t *testing.T) {
	ops, metrics := newOps(t, clockwork.NewFakeClock())
	metrics.MessageProcessed("heartbeat")

	rec := get(t, ops.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `syncpulse_messages_total{type="heartbeat"} 1`)
}

func TestOps_Probes(t *testing.T) {
	ops, metrics := newOps(t, clockwork.NewFakeClock())
	metrics.ClientRegistered()

	rec := get(t, ops.Handler(), "/debug/probes")
	require.Equal(t, http.StatusOK, rec.Code)
	var dump map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	assert.EqualValues(t, 1, dump["server.clients"])
	assert.Contains(t, dump, "platform.cpus")
}

func TestOps_RunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ops := control.NewOpsServer(control.OpsConfig{Addr: addr, Logger: zaptest.NewLogger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ops.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ops server did not stop")
	}
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("b", func() any { return 2 })
	dp.RegisterProbe("a", func() any { return "one" })
	dp.RegisterProbe("b", func() any { return 3 })

	assert.Equal(t, []string{"a", "b"}, dp.Names())
	assert.Equal(t, map[string]any{"a": "one", "b": 3}, dp.DumpState())
}
