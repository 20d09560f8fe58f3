package protocol_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/syncpulse-ws/core/protocol"
)

const sampleRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

func TestComputeAcceptKey_RFCExample(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", protocol.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestPerformHandshake(t *testing.T) {
	resp, ok := protocol.PerformHandshake([]byte(sampleRequest))
	require.True(t, ok)
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n", string(resp))
}

func TestPerformHandshake_CaseInsensitiveHeader(t *testing.T) {
	req := "GET / HTTP/1.1\r\nsec-websocket-key:   dGhlIHNhbXBsZSBub25jZQ==  \r\n\r\n"
	resp, ok := protocol.PerformHandshake([]byte(req))
	require.True(t, ok)
	assert.Contains(t, string(resp), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
}

func TestPerformHandshake_MissingKey(t *testing.T) {
	resp, ok := protocol.PerformHandshake([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	assert.False(t, ok)
	assert.Nil(t, resp)

	_, err := protocol.ParseHandshakeKey([]byte("GET / HTTP/1.1\r\nSec-WebSocket-Key: \r\n\r\n"))
	assert.ErrorIs(t, err, protocol.ErrMissingWebSocketKey)
}

func TestParseHandshakeKey_TooLarge(t *testing.T) {
	raw := make([]byte, protocol.MaxHandshakeHeadersSize+1)
	_, err := protocol.ParseHandshakeKey(raw)
	assert.ErrorIs(t, err, protocol.ErrHandshakeTooLarge)
}

func TestHeaderEnd(t *testing.T) {
	assert.Equal(t, -1, protocol.HeaderEnd([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	buf := []byte(sampleRequest + "\x81\x80")
	assert.Equal(t, len(sampleRequest), protocol.HeaderEnd(buf))
}

func TestRejectResponse(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		string(protocol.RejectResponse(http.StatusServiceUnavailable)))
}
