//go:build !linux
// +build !linux

// File: internal/transport/sockopt_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for platforms without TCP_USER_TIMEOUT.

package transport

import (
	"net"
	"time"
)

// TuneConn is a no-op outside Linux.
func TuneConn(net.Conn, time.Duration) error {
	return nil
}
