// File: core/protocol/handshake.go
// Package protocol implements the server side of the opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Works directly on the raw request bytes read from the socket, bypassing
// net/http, and produces the raw response bytes to write back.

package protocol

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Constants used for handshake processing.
const (
	WebSocketGUID           = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderSecWebSocketKey   = "sec-websocket-key"
	MaxHandshakeHeadersSize = 8192
)

// Errors for handshake validation.
var (
	ErrMissingWebSocketKey = errors.New("missing Sec-WebSocket-Key header")
	ErrHandshakeTooLarge   = errors.New("handshake headers too large")
)

var headerTerminator = []byte("\r\n\r\n")

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
// This implements the algorithm specified in RFC6455 Section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// HeaderEnd returns the length of the request head in buf including the
// terminating blank line, or -1 when the head is not complete yet.
func HeaderEnd(buf []byte) int {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// ParseHandshakeKey scans line-delimited header text for Sec-WebSocket-Key.
// Header names are matched case-insensitively.
func ParseHandshakeKey(raw []byte) (string, error) {
	if len(raw) > MaxHandshakeHeadersSize {
		return "", ErrHandshakeTooLarge
	}
	for _, line := range strings.Split(string(raw), "\n") {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(name)) != HeaderSecWebSocketKey {
			continue
		}
		if key := strings.TrimSpace(value); key != "" {
			return key, nil
		}
	}
	return "", ErrMissingWebSocketKey
}

// PerformHandshake turns the raw upgrade request into the 101 response.
// ok is false when the request carries no usable key; the caller then closes
// the connection without registering it.
func PerformHandshake(raw []byte) (response []byte, ok bool) {
	key, err := ParseHandshakeKey(raw)
	if err != nil {
		return nil, false
	}
	return SwitchingProtocolsResponse(ComputeAcceptKey(key)), true
}

// SwitchingProtocolsResponse renders the fixed 101 response for accept.
func SwitchingProtocolsResponse(accept string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n")
}

// RejectResponse renders a minimal HTTP error response used when a peer is
// turned away before the upgrade.
func RejectResponse(status int) []byte {
	text := http.StatusText(status)
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", status, text))
}
