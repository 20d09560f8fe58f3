// File: internal/transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrListenerClosed is returned by Accept when the listener has been closed.
// This sentinel error is used to signal graceful shutdown.
var ErrListenerClosed = errors.New("listener closed")

// DefaultKeepAlive is the TCP keep-alive period applied to accepted sockets.
const DefaultKeepAlive = 30 * time.Second

// Listen binds a TCP listener on addr.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: DefaultKeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Accept waits for the next connection, mapping the closed-listener error to
// ErrListenerClosed so callers can tell shutdown from transient failures.
func Accept(ln net.Listener) (net.Conn, error) {
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("accept connection: %w", err)
	}
	return conn, nil
}
