// File: internal/transport/writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queued connection writer. Producers enqueue pre-encoded frames without
// blocking; one goroutine per connection drains the backlog under a write
// deadline. A peer that stops reading fills its backlog and is dropped
// instead of stalling the producer.

package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

var (
	// ErrBacklogFull means the peer is not draining its frames fast enough.
	ErrBacklogFull = errors.New("transport: send backlog full")
	// ErrWriterClosed means the connection is closing or closed.
	ErrWriterClosed = errors.New("transport: writer closed")
)

// Default writer settings.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultSendBacklog  = 64
)

// WriterConfig tunes a ConnWriter.
type WriterConfig struct {
	WriteTimeout time.Duration // deadline for each frame write
	Backlog      int           // max frames queued before ErrBacklogFull
	Logger       *zap.Logger
}

// ConnWriter serializes all writes to one net.Conn.
type ConnWriter struct {
	conn    net.Conn
	timeout time.Duration
	limit   int
	log     *zap.Logger

	mu      sync.Mutex
	backlog *queue.Queue
	closing bool
	err     error

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnWriter wraps conn and starts its writer goroutine.
func NewConnWriter(conn net.Conn, cfg WriterConfig) *ConnWriter {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultSendBacklog
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	w := &ConnWriter{
		conn:    conn,
		timeout: cfg.WriteTimeout,
		limit:   cfg.Backlog,
		log:     cfg.Logger,
		backlog: queue.New(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Send enqueues frame. It never blocks on the network.
func (w *ConnWriter) Send(frame []byte) error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	if w.backlog.Length() >= w.limit {
		w.mu.Unlock()
		return ErrBacklogFull
	}
	w.backlog.Add(frame)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting frames, flushes what is already queued within one
// write timeout, then closes the connection. It does not wait for the flush;
// use Done for that. Safe to call repeatedly.
func (w *ConnWriter) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closing = true
		w.mu.Unlock()
		close(w.stop)
	})
	return nil
}

// Done is closed once the underlying connection has been closed.
func (w *ConnWriter) Done() <-chan struct{} {
	return w.done
}

// Err returns the write error that terminated the writer, if any.
func (w *ConnWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// RemoteAddr returns the peer address.
func (w *ConnWriter) RemoteAddr() string {
	if a := w.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (w *ConnWriter) run() {
	defer close(w.done)
	defer w.conn.Close()

	for {
		select {
		case <-w.wake:
			if err := w.drain(time.Time{}); err != nil {
				w.fail(err)
				return
			}
		case <-w.stop:
			if err := w.drain(time.Now().Add(w.timeout)); err != nil {
				w.log.Debug("flush on close", zap.String("remote", w.RemoteAddr()), zap.Error(err))
			}
			return
		}
	}
}

// drain writes queued frames until the backlog is empty. A zero deadline
// gives every frame its own write timeout.
func (w *ConnWriter) drain(deadline time.Time) error {
	for {
		w.mu.Lock()
		if w.backlog.Length() == 0 {
			w.mu.Unlock()
			return nil
		}
		frame := w.backlog.Remove().([]byte)
		w.mu.Unlock()

		d := deadline
		if d.IsZero() {
			d = time.Now().Add(w.timeout)
		}
		if err := w.conn.SetWriteDeadline(d); err != nil {
			return err
		}
		if _, err := w.conn.Write(frame); err != nil {
			return err
		}
	}
}

func (w *ConnWriter) fail(err error) {
	w.mu.Lock()
	w.closing = true
	w.err = err
	for w.backlog.Length() > 0 {
		w.backlog.Remove()
	}
	w.mu.Unlock()
	w.log.Debug("write failed", zap.String("remote", w.RemoteAddr()), zap.Error(err))
}
