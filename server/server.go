// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/momentics/syncpulse-ws/core/buffer"
	"github.com/momentics/syncpulse-ws/core/protocol"
	"github.com/momentics/syncpulse-ws/internal/concurrency"
	"github.com/momentics/syncpulse-ws/internal/registry"
	"github.com/momentics/syncpulse-ws/internal/router"
	"github.com/momentics/syncpulse-ws/internal/transport"
	"github.com/momentics/syncpulse-ws/provider"
)

const acceptBackoff = 50 * time.Millisecond

// broadcast is the event-loop payload for one fan-out.
type broadcast struct {
	event router.Event
	topic string // empty means every client
}

// New builds a Server around data.
func New(cfg Config, data provider.DataProvider, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.TickResolution <= 0 {
		cfg.TickResolution = def.TickResolution
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxFramePayload <= 0 {
		cfg.MaxFramePayload = def.MaxFramePayload
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}

	s := &Server{
		cfg:         cfg,
		data:        data,
		metrics:     nopMetrics{},
		auth:        router.AllowAll,
		clock:       clockwork.NewRealClock(),
		log:         zap.NewNop(),
		bufs:        buffer.New(),
		handshaking: make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.reg = registry.New(
		registry.WithClock(s.clock),
		registry.WithLogger(s.log.Named("registry")),
	)
	s.loop = concurrency.NewEventLoop(cfg.EventQueueSize,
		concurrency.WithClock(s.clock),
		concurrency.WithTickResolution(cfg.TickResolution),
		concurrency.WithLogger(s.log.Named("loop")),
	)
	s.router = router.New(router.Config{
		Provider:    data,
		Subscriber:  s.reg,
		Outbound:    s,
		Authorizer:  s.auth,
		Metrics:     s.metrics,
		Clock:       s.clock,
		Logger:      s.log.Named("router"),
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		CallTimeout: cfg.WriteTimeout,
	})
	s.loop.RegisterHandler(concurrency.HandlerFunc(s.handleLoopEvent))
	s.loop.Every(router.EventPeriodicUpdate, cfg.BroadcastInterval, s.periodicUpdate)
	return s
}

// ListenAndServe binds cfg.ListenAddr and serves until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := transport.Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called, then closes every client and returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCtx, s.cancel = ctx, cancel
	s.mu.Unlock()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := s.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("event loop stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("websocket server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Duration("broadcast_interval", s.cfg.BroadcastInterval))

	for {
		conn, err := transport.Accept(ln)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				break
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-time.After(acceptBackoff):
			case <-ctx.Done():
			}
			continue
		}
		s.trackHandshake(conn, true)
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	cancel()
	<-loopDone
	s.shutdown()
	return nil
}

// Close stops a running Serve.
func (s *Server) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Clients reports the number of registered clients.
func (s *Server) Clients() int {
	return s.reg.Len()
}

// ConnectionsServed reports how many clients completed the handshake.
func (s *Server) ConnectionsServed() uint64 {
	return s.served.Load()
}

// SendTo queues ev for one client. A failed write unregisters the client.
func (s *Server) SendTo(clientID string, ev router.Event) error {
	frame, err := ev.Frame()
	if err != nil {
		return err
	}
	if err := s.reg.Send(clientID, frame); err != nil {
		if !errors.Is(err, registry.ErrClientNotFound) {
			s.metrics.WriteDropped()
		}
		return err
	}
	return nil
}

// Broadcast queues ev for every client registered when the loop handles it.
func (s *Server) Broadcast(ev router.Event) {
	s.post(broadcast{event: ev})
}

// BroadcastTopic queues ev for the clients subscribed to topic.
func (s *Server) BroadcastTopic(topic string, ev router.Event) {
	s.post(broadcast{event: ev, topic: topic})
}

func (s *Server) post(b broadcast) {
	if !s.loop.Post(concurrency.Event{Data: b}) {
		s.metrics.BroadcastDropped(b.event.Type)
		s.log.Warn("broadcast dropped, event loop unavailable", zap.String("event", b.event.Type))
	}
}

func (s *Server) handleLoopEvent(ev concurrency.Event) {
	b, ok := ev.Data.(broadcast)
	if !ok {
		return
	}
	s.fanOut(b)
}

func (s *Server) fanOut(b broadcast) {
	frame, err := b.event.Frame()
	if err != nil {
		s.log.Error("encode broadcast", zap.String("event", b.event.Type), zap.Error(err))
		return
	}
	var res registry.Result
	if b.topic == "" {
		res = s.reg.Broadcast(frame)
	} else {
		res = s.reg.BroadcastTopic(b.topic, frame)
	}
	s.metrics.Broadcast(b.event.Type, res.Failed)
	s.log.Debug("broadcast sent",
		zap.String("event", b.event.Type),
		zap.String("topic", b.topic),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed))
}

// periodicUpdate runs on the loop goroutine.
func (s *Server) periodicUpdate(time.Time) {
	if s.reg.Len() == 0 {
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	ev, err := s.router.PeriodicUpdate(ctx)
	if err != nil {
		s.metrics.MessageFailed(router.ReasonProvider)
		s.log.Error("periodic update skipped", zap.Error(err))
		return
	}
	s.fanOut(broadcast{event: ev})
}

func (s *Server) trackHandshake(conn net.Conn, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.handshaking[conn] = struct{}{}
	} else {
		delete(s.handshaking, conn)
	}
}

// shutdown says goodbye to every client and waits for their goroutines.
func (s *Server) shutdown() {
	s.mu.Lock()
	for conn := range s.handshaking {
		conn.Close()
	}
	s.mu.Unlock()

	s.reg.Broadcast(protocol.EncodeCloseFrame(protocol.CloseGoingAway, "server shutting down"))
	closed := s.reg.CloseAll()
	s.router.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("client goroutines still running after shutdown timeout")
	}

	s.log.Info("websocket server stopped",
		zap.Uint64("connections_served", s.served.Load()),
		zap.Int("clients_closed", closed))
}
