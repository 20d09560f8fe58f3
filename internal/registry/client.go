// File: internal/registry/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package registry

import (
	"sort"
	"time"
)

// Conn is the transport handle a client owns. Send must not block on a slow
// peer; Close must be safe to call more than once.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// Client is one live WebSocket peer. Fields other than subs are immutable
// after registration; subs is guarded by the owning Registry's lock.
type Client struct {
	id          string
	conn        Conn
	connectedAt time.Time
	subs        map[string]struct{}
}

// ID returns the opaque client identifier.
func (c *Client) ID() string { return c.id }

// ConnectedAt returns the registration time.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Send hands a pre-encoded frame to the client's transport.
func (c *Client) Send(frame []byte) error { return c.conn.Send(frame) }

func (c *Client) subscribed(topic string) bool {
	_, ok := c.subs[topic]
	return ok
}

func (c *Client) topics() []string {
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
