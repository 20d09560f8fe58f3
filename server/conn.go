// File: server/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection lifecycle: Connecting -> Handshaking -> Open -> Closing ->
// Closed. Each connection is read by its own goroutine so frames of one
// client are routed strictly in arrival order; all writes go through the
// client's queued writer.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/syncpulse-ws/core/protocol"
	"github.com/momentics/syncpulse-ws/internal/transport"
)

const readChunk = 4096

var (
	errPeerClosed   = errors.New("peer sent close frame")
	errUnmasked     = fmt.Errorf("%w: unmasked client frame", protocol.ErrProtocol)
	errCapacity     = errors.New("server at capacity")
	errHandshakeEOF = errors.New("connection closed during handshake")
)

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))

	if err := transport.TuneConn(conn, s.cfg.TCPUserTimeout); err != nil {
		log.Debug("socket tuning failed", zap.Error(err))
	}

	rest, err := s.handshake(conn)
	s.trackHandshake(conn, false)
	if err != nil {
		if errors.Is(err, errCapacity) {
			s.metrics.ConnectionRejected()
			log.Warn("connection rejected", zap.Error(err))
		} else {
			s.metrics.HandshakeFailed()
			log.Info("handshake failed", zap.Error(err))
		}
		conn.Close()
		return
	}
	defer s.slots.Add(-1)

	writer := transport.NewConnWriter(conn, transport.WriterConfig{
		WriteTimeout: s.cfg.WriteTimeout,
		Backlog:      s.cfg.SendBacklog,
		Logger:       s.log.Named("writer"),
	})
	dash := s.router.WelcomeSnapshot(ctx)
	id, err := s.reg.RegisterFunc(writer, func(id string) error {
		frame, err := s.router.Welcome(id, dash).Frame()
		if err != nil {
			return err
		}
		return writer.Send(frame)
	}, TopicAll)
	if err != nil {
		log.Warn("welcome failed", zap.Error(err))
		writer.Close()
		return
	}
	s.served.Add(1)
	s.metrics.ConnectionAccepted()
	s.metrics.ClientRegistered()
	log = log.With(zap.String("client", id))
	log.Info("client connected")

	reason := errors.New("closed")
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic", zap.Any("panic", r))
			reason = fmt.Errorf("panic: %v", r)
		}
		s.teardown(id, reason, log)
	}()

	reason = s.readLoop(ctx, conn, id, writer, rest, log)
}

// handshake reads the upgrade request and answers it. It returns any bytes
// the client sent after the request head.
func (s *Server) handshake(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1024)
	chunk := s.bufs.Get(1024)
	defer s.bufs.Put(chunk)
	end := -1
	for end < 0 {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if end = protocol.HeaderEnd(buf); end >= 0 {
			break
		}
		if len(buf) > protocol.MaxHandshakeHeadersSize {
			s.reject(conn, http.StatusRequestHeaderFieldsTooLarge)
			return nil, protocol.ErrHandshakeTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errHandshakeEOF
			}
			return nil, err
		}
	}

	if end > protocol.MaxHandshakeHeadersSize {
		s.reject(conn, http.StatusRequestHeaderFieldsTooLarge)
		return nil, protocol.ErrHandshakeTooLarge
	}
	resp, ok := protocol.PerformHandshake(buf[:end])
	if !ok {
		s.reject(conn, http.StatusBadRequest)
		return nil, protocol.ErrMissingWebSocketKey
	}
	if s.slots.Add(1) > int64(s.cfg.MaxClients) {
		s.slots.Add(-1)
		s.reject(conn, http.StatusServiceUnavailable)
		return nil, errCapacity
	}
	if err := s.writeRaw(conn, resp); err != nil {
		s.slots.Add(-1)
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.slots.Add(-1)
		return nil, err
	}
	return append([]byte(nil), buf[end:]...), nil
}

func (s *Server) reject(conn net.Conn, status int) {
	_ = s.writeRaw(conn, protocol.RejectResponse(status))
}

func (s *Server) writeRaw(conn net.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

// readLoop decodes frames until the connection ends and returns why.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, id string, w *transport.ConnWriter, pending []byte, log *zap.Logger) error {
	chunk := s.bufs.Get(readChunk)
	defer s.bufs.Put(chunk)
	for {
		consumed := 0
		for consumed < len(pending) {
			frame, n, err := protocol.DecodeFrame(pending[consumed:], s.cfg.MaxFramePayload)
			if errors.Is(err, protocol.ErrNeedMoreData) {
				break
			}
			if err != nil {
				s.metrics.MessageFailed("protocol")
				code := protocol.CloseProtocolError
				if errors.Is(err, protocol.ErrFrameTooLarge) {
					code = protocol.CloseMessageTooBig
				}
				_ = w.Send(protocol.EncodeCloseFrame(code, ""))
				return err
			}
			consumed += n
			if !frame.Masked {
				_ = w.Send(protocol.EncodeCloseFrame(protocol.CloseProtocolError, ""))
				return errUnmasked
			}
			if err := s.handleFrame(ctx, id, w, frame, log); err != nil {
				return err
			}
		}
		if consumed > 0 {
			pending = pending[:copy(pending, pending[consumed:])]
		}

		if s.cfg.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return err
			}
		}
		n, err := conn.Read(chunk)
		pending = append(pending, chunk[:n]...)
		if err != nil {
			if n > 0 {
				continue
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, id string, w *transport.ConnWriter, f *protocol.Frame, log *zap.Logger) error {
	switch f.Opcode {
	case protocol.OpcodeClose:
		_ = w.Send(protocol.EncodeCloseFrame(protocol.CloseNormalClosure, ""))
		return errPeerClosed
	case protocol.OpcodePing:
		if err := w.Send(protocol.EncodeFrame(protocol.OpcodePong, f.Payload)); err != nil {
			s.metrics.WriteDropped()
			return err
		}
	case protocol.OpcodePong:
	case protocol.OpcodeText:
		if !f.IsFinal {
			log.Warn("dropping fragmented message")
			s.metrics.MessageFailed("fragmented")
			return nil
		}
		// Router errors are answered or logged by the router itself.
		_ = s.router.Handle(ctx, id, f.Payload)
	case protocol.OpcodeContinuation:
		log.Debug("dropping continuation frame")
	case protocol.OpcodeBinary:
		log.Debug("ignoring binary frame", zap.Int("bytes", len(f.Payload)))
	}
	return nil
}

// teardown runs once per registered connection.
func (s *Server) teardown(id string, reason error, log *zap.Logger) {
	s.reg.Unregister(id)
	s.router.Forget(id)
	s.metrics.ClientRemoved()
	switch {
	case errors.Is(reason, io.EOF), errors.Is(reason, errPeerClosed), errors.Is(reason, net.ErrClosed):
		log.Info("client disconnected", zap.NamedError("reason", reason))
	default:
		log.Warn("client dropped", zap.NamedError("reason", reason))
	}
}
