// File: internal/registry/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe client registry with idempotent teardown and snapshot iteration.

package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrClientNotFound is returned when addressing an id that is not registered.
var ErrClientNotFound = errors.New("registry: client not found")

// Result summarizes one fan-out.
type Result struct {
	Delivered int
	Failed    int
}

// Registry owns every ClientConnection. Unregister releases the transport
// handle together with the entry.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	clock clockwork.Clock
	newID func() string
	log   *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock sets the clock used for connection timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithIDGenerator replaces the default UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]*Client),
		clock:   clockwork.NewRealClock(),
		newID:   uuid.NewString,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register stores conn as a new client subscribed to topics and returns its id.
func (r *Registry) Register(conn Conn, topics ...string) string {
	id, _ := r.RegisterFunc(conn, nil, topics...)
	return id
}

// RegisterFunc is Register with a hook that runs under the registry lock
// after the id is assigned and before the client is visible to broadcasts,
// so frames queued by init precede every broadcast. init must not block.
// When init fails the client is not stored and conn is left open.
func (r *Registry) RegisterFunc(conn Conn, init func(id string) error, topics ...string) (string, error) {
	c := &Client{
		conn:        conn,
		connectedAt: r.clock.Now(),
		subs:        make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		c.subs[t] = struct{}{}
	}

	r.mu.Lock()
	for {
		c.id = r.newID()
		if _, taken := r.clients[c.id]; !taken {
			break
		}
	}
	if init != nil {
		if err := init(c.id); err != nil {
			r.mu.Unlock()
			return "", err
		}
	}
	r.clients[c.id] = c
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Debug("client registered", zap.String("client_id", c.id), zap.Int("total", total))
	return c.id, nil
}

// Unregister removes the entry and closes its transport handle.
// It reports whether this call performed the removal; repeated calls are no-ops.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	if err := c.conn.Close(); err != nil {
		r.log.Debug("close transport", zap.String("client_id", id), zap.Error(err))
	}
	r.log.Debug("client unregistered", zap.String("client_id", id), zap.Int("total", len(r.clients)))
	return true
}

// AddSubscription adds topic to the client's set. It is a no-op returning
// false when the client is already gone.
func (r *Registry) AddSubscription(id, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.subs[topic] = struct{}{}
	return true
}

// Subscriptions returns the client's topics in sorted order.
func (r *Registry) Subscriptions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	return c.topics()
}

// Lookup returns the client registered under id.
func (r *Registry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ForEach calls fn for every client in a snapshot taken at call time.
// fn runs without the registry lock held and may call back into the registry.
func (r *Registry) ForEach(fn func(*Client)) {
	for _, c := range r.snapshot(func(*Client) bool { return true }) {
		fn(c)
	}
}

// ForEachSubscribed is ForEach restricted to clients subscribed to topic.
func (r *Registry) ForEachSubscribed(topic string, fn func(*Client)) {
	for _, c := range r.snapshot(func(c *Client) bool { return c.subscribed(topic) }) {
		fn(c)
	}
}

// Send delivers frame to one client. A failed write unregisters the client.
func (r *Registry) Send(id string, frame []byte) error {
	c, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if err := c.Send(frame); err != nil {
		r.Unregister(id)
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// Broadcast delivers frame to every registered client. Clients whose write
// fails are torn down after the pass; the pass itself always completes.
func (r *Registry) Broadcast(frame []byte) Result {
	return r.fanOut(r.snapshot(func(*Client) bool { return true }), frame)
}

// BroadcastTopic delivers frame to clients subscribed to topic.
func (r *Registry) BroadcastTopic(topic string, frame []byte) Result {
	return r.fanOut(r.snapshot(func(c *Client) bool { return c.subscribed(topic) }), frame)
}

// CloseAll unregisters every client and returns how many were removed.
func (r *Registry) CloseAll() int {
	n := 0
	for _, c := range r.snapshot(func(*Client) bool { return true }) {
		if r.Unregister(c.id) {
			n++
		}
	}
	return n
}

func (r *Registry) fanOut(targets []*Client, frame []byte) Result {
	var res Result
	var failed []string
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.log.Warn("broadcast write failed", zap.String("client_id", c.id), zap.Error(err))
			failed = append(failed, c.id)
			continue
		}
		res.Delivered++
	}
	for _, id := range failed {
		r.Unregister(id)
	}
	res.Failed = len(failed)
	return res
}

func (r *Registry) snapshot(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
