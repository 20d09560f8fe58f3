// File: core/protocol/frame_codec.go
// Package protocol implements the frame codec with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Implements WebSocket frame encoding/decoding with payload size limits
// to prevent resource exhaustion.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreData reports that buf holds only the beginning of a frame.
	// The caller keeps the bytes and decodes again after the next read.
	ErrNeedMoreData = errors.New("protocol: need more data")

	// ErrProtocol reports a frame that violates RFC 6455 framing rules.
	ErrProtocol = errors.New("protocol: malformed frame")

	// ErrFrameTooLarge reports a declared payload length above the limit.
	ErrFrameTooLarge = errors.New("protocol: frame payload exceeds maximum allowed size")
)

// Frame is one decoded WebSocket frame. Payload is always unmasked and owned
// by the frame (it never aliases the decode buffer).
type Frame struct {
	Opcode  Opcode
	IsFinal bool
	Masked  bool
	Payload []byte
}

// IsClose reports whether the peer asked to tear the connection down.
func (f *Frame) IsClose() bool {
	return f.Opcode == OpcodeClose
}

// CloseCode extracts the status code of a close frame, or CloseNoStatusRcvd.
func (f *Frame) CloseCode() uint16 {
	if f.Opcode != OpcodeClose || len(f.Payload) < 2 {
		return CloseNoStatusRcvd
	}
	return binary.BigEndian.Uint16(f.Payload)
}

// DecodeFrame parses the first frame in buf.
// Returns the frame and the number of bytes it occupied in buf, so several
// frames delivered by a single read can be decoded one after another.
// A partial frame yields ErrNeedMoreData. maxPayload <= 0 selects
// DefaultMaxPayload.
func DecodeFrame(buf []byte, maxPayload int64) (*Frame, int, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	b0, b1 := buf[0], buf[1]
	if b0&RsvBits != 0 {
		return nil, 0, fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	opcode := Opcode(b0 & OpcodeMask)
	if !opcode.valid() {
		return nil, 0, fmt.Errorf("%w: reserved opcode 0x%x", ErrProtocol, byte(opcode))
	}
	fin := b0&FinBit != 0
	masked := b1&MaskBit != 0
	length := uint64(b1 & LenMask)
	offset := 2

	switch length {
	case len16Marker:
		if len(buf) < offset+2 {
			return nil, 0, ErrNeedMoreData
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case len64Marker:
		if len(buf) < offset+8 {
			return nil, 0, ErrNeedMoreData
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		if length>>63 != 0 {
			return nil, 0, fmt.Errorf("%w: most significant length bit set", ErrProtocol)
		}
		offset += 8
	}

	if opcode.IsControl() {
		if !fin {
			return nil, 0, fmt.Errorf("%w: fragmented control frame", ErrProtocol)
		}
		if length > MaxControlPayloadLen {
			return nil, 0, fmt.Errorf("%w: control payload of %d bytes", ErrProtocol, length)
		}
	}
	if length > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxPayload)
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, 0, ErrNeedMoreData
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	// Only the declared payload is unmasked; bytes after it belong to the
	// next frame.
	payload := make([]byte, length)
	copy(payload, buf[offset:total])
	if masked {
		maskBytes(payload, maskKey)
	}

	return &Frame{
		Opcode:  opcode,
		IsFinal: fin,
		Masked:  masked,
		Payload: payload,
	}, total, nil
}

// EncodeFrame serializes a single unfragmented, unmasked server frame.
func EncodeFrame(opcode Opcode, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, headerLen(len(payload), false)+len(payload)), opcode, payload)
}

// AppendFrame appends an unmasked server frame to dst and returns the
// extended slice.
func AppendFrame(dst []byte, opcode Opcode, payload []byte) []byte {
	dst = appendHeader(dst, opcode, len(payload), false)
	return append(dst, payload...)
}

// EncodeMaskedFrame serializes a frame the way a client must send it:
// MASK bit set, key on the wire, payload XORed with the key.
func EncodeMaskedFrame(opcode Opcode, payload []byte, key [4]byte) []byte {
	dst := make([]byte, 0, headerLen(len(payload), true)+len(payload))
	dst = appendHeader(dst, opcode, len(payload), true)
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[start:], key)
	return dst
}

// EncodeCloseFrame builds a server close frame carrying code and reason.
// The reason is truncated so the payload fits a control frame.
func EncodeCloseFrame(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayloadLen-2 {
		reason = reason[:MaxControlPayloadLen-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return EncodeFrame(OpcodeClose, payload)
}

func appendHeader(dst []byte, opcode Opcode, plen int, mask bool) []byte {
	b0 := byte(FinBit) | byte(opcode)&OpcodeMask
	var maskBit byte
	if mask {
		maskBit = MaskBit
	}

	switch {
	case plen <= MaxControlPayloadLen:
		return append(dst, b0, byte(plen)|maskBit)
	case plen <= 0xFFFF:
		dst = append(dst, b0, len16Marker|maskBit)
		return binary.BigEndian.AppendUint16(dst, uint16(plen))
	default:
		dst = append(dst, b0, len64Marker|maskBit)
		return binary.BigEndian.AppendUint64(dst, uint64(plen))
	}
}

func headerLen(plen int, mask bool) int {
	n := 2
	switch {
	case plen > 0xFFFF:
		n += 8
	case plen > MaxControlPayloadLen:
		n += 2
	}
	if mask {
		n += 4
	}
	return n
}

// maskBytes XORs buf in place with key; masking and unmasking are the same operation.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}
