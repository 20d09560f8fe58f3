// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/momentics/syncpulse-ws/control"
	"github.com/momentics/syncpulse-ws/internal/router"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the root logger; components get named children.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock drives the broadcast tick, timestamps and rate limits.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuthorizer installs the check run before state-changing messages.
func WithAuthorizer(a router.Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// WithProbes publishes server state on dp.
func WithProbes(dp *control.DebugProbes) Option {
	return func(s *Server) {
		dp.RegisterProbe("server.clients", func() any { return s.reg.Len() })
		dp.RegisterProbe("server.connections_served", func() any { return s.served.Load() })
		dp.RegisterProbe("server.broadcast_backlog", func() any { return s.loop.Pending() })
		dp.RegisterProbe("server.read_buffers", func() any { return s.bufs.Stats() })
		dp.RegisterProbe("server.handshaking", func() any {
			s.mu.Lock()
			defer s.mu.Unlock()
			return len(s.handshaking)
		})
	}
}
