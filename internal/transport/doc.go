// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP transport layer for syncpulse-ws: listener construction, per-socket
// tuning strictly separated by build tags (linux/other), and the queued
// connection writer that keeps slow peers from stalling broadcasts.

package transport
