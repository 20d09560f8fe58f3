// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/momentics/syncpulse-ws/core/buffer"
	"github.com/momentics/syncpulse-ws/core/protocol"
	"github.com/momentics/syncpulse-ws/internal/concurrency"
	"github.com/momentics/syncpulse-ws/internal/registry"
	"github.com/momentics/syncpulse-ws/internal/router"
	"github.com/momentics/syncpulse-ws/provider"
)

var ErrAlreadyRunning = errors.New("server already running")

// TopicAll is the topic every client is subscribed to on connect.
const TopicAll = "all"

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr        string        // TCP bind address, e.g. "127.0.0.1:8080"
	HandshakeTimeout  time.Duration // deadline for reading the upgrade request
	WriteTimeout      time.Duration // per-frame write deadline
	IdleTimeout       time.Duration // read deadline between frames (0 = none)
	BroadcastInterval time.Duration // periodic_update cadence
	TickResolution    time.Duration // how often periodic work is checked
	TCPUserTimeout    time.Duration // kernel give-up time for unacked data (Linux)
	ShutdownTimeout   time.Duration // grace period for client goroutines on stop
	MaxFramePayload   int64         // largest accepted inbound payload
	MaxClients        int           // connections beyond this get 503
	SendBacklog       int           // queued frames per client before eviction
	EventQueueSize    int           // broadcast inbox of the event loop
	RateLimit         float64       // inbound messages/sec per client (0 = off)
	RateBurst         int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		BroadcastInterval: 10 * time.Second,
		TickResolution:    time.Second,
		TCPUserTimeout:    30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxFramePayload:   protocol.DefaultMaxPayload,
		MaxClients:        10000,
		SendBacklog:       64,
		EventQueueSize:    256,
		RateLimit:         20,
		RateBurst:         40,
	}
}

// Metrics receives connection lifecycle and routing events.
type Metrics interface {
	router.Metrics
	ConnectionAccepted()
	HandshakeFailed()
	ConnectionRejected()
	ClientRegistered()
	ClientRemoved()
	Broadcast(eventType string, failed int)
	BroadcastDropped(eventType string)
	WriteDropped()
}

type nopMetrics struct{}

func (nopMetrics) MessageProcessed(string) {}
func (nopMetrics) MessageFailed(string)    {}
func (nopMetrics) ConnectionAccepted()     {}
func (nopMetrics) HandshakeFailed()        {}
func (nopMetrics) ConnectionRejected()     {}
func (nopMetrics) ClientRegistered()       {}
func (nopMetrics) ClientRemoved()          {}
func (nopMetrics) Broadcast(string, int)   {}
func (nopMetrics) BroadcastDropped(string) {}
func (nopMetrics) WriteDropped()           {}

// Server owns the listener, the client registry, the router and the event
// loop that serializes broadcasts.
type Server struct {
	cfg     Config
	data    provider.DataProvider
	reg     *registry.Registry
	router  *router.Router
	loop    *concurrency.EventLoop
	bufs    *buffer.Pool
	metrics Metrics
	auth    router.Authorizer
	clock   clockwork.Clock
	log     *zap.Logger

	running atomic.Bool
	slots   atomic.Int64
	served  atomic.Uint64

	mu          sync.Mutex
	runCtx      context.Context
	cancel      context.CancelFunc
	handshaking map[net.Conn]struct{}

	wg sync.WaitGroup
}
