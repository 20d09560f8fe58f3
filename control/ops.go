// control/ops.go
// Author: momentics <momentics@gmail.com>
//
// Ops HTTP endpoint, separate from the WebSocket listener.

package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const opsShutdownTimeout = 5 * time.Second

// Health is the /healthz body.
type Health struct {
	Status        string `json:"status"`
	Clients       int    `json:"clients"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ClientCounter reports the number of registered clients.
type ClientCounter interface {
	ConnectedClients() int
}

// OpsConfig wires an OpsServer.
type OpsConfig struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Probes   *DebugProbes
	Clients  ClientCounter
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// OpsServer serves /metrics, /healthz and /debug/probes.
type OpsServer struct {
	addr    string
	echo    *echo.Echo
	clients ClientCounter
	probes  *DebugProbes
	clock   clockwork.Clock
	started time.Time
	log     *zap.Logger
}

func NewOpsServer(cfg OpsConfig) *OpsServer {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Probes == nil {
		cfg.Probes = NewDebugProbes()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			cfg.Logger.Debug("ops request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))

	s := &OpsServer{
		addr:    cfg.Addr,
		echo:    e,
		clients: cfg.Clients,
		probes:  cfg.Probes,
		clock:   cfg.Clock,
		started: cfg.Clock.Now(),
		log:     cfg.Logger,
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	e.GET("/healthz", s.handleHealth)
	e.GET("/debug/probes", s.handleProbes)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *OpsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops endpoint listening", zap.String("addr", s.addr))
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *OpsServer) handleHealth(c echo.Context) error {
	h := Health{
		Status:        "ok",
		UptimeSeconds: int64(s.clock.Since(s.started) / time.Second),
	}
	if s.clients != nil {
		h.Clients = s.clients.ConnectedClients()
	}
	return c.JSON(http.StatusOK, h)
}

func (s *OpsServer) handleProbes(c echo.Context) error {
	return c.JSON(http.StatusOK, s.probes.DumpState())
}
