//go:build linux
// +build linux

// File: internal/transport/sockopt_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux socket tuning for accepted connections.

package transport

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TuneConn sets TCP_USER_TIMEOUT so the kernel aborts a connection whose
// transmitted data stays unacknowledged for longer than userTimeout.
// A zero userTimeout leaves the system default.
func TuneConn(conn net.Conn, userTimeout time.Duration) error {
	if userTimeout <= 0 {
		return nil
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(userTimeout.Milliseconds()))
	})
	if err != nil {
		return fmt.Errorf("raw control: %w", err)
	}
	if opErr != nil {
		return fmt.Errorf("setsockopt TCP_USER_TIMEOUT: %w", opErr)
	}
	return nil
}
