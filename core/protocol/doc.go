// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the core WebSocket protocol logic (RFC 6455) for syncpulse-ws.
//
// The package holds no I/O and no state: callers hand it bytes and get bytes
// or decoded values back.
//
// Includes:
//   - Frame decoding over an accumulating read buffer, with a distinct
//     "need more data" outcome for partial frames
//   - Unmasked server frame encoding and masked client frame encoding
//   - Opening handshake processing (Sec-WebSocket-Key -> Sec-WebSocket-Accept)
package protocol
