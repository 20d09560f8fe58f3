package transport_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/syncpulse-ws/internal/transport"
)

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestConnWriter_DeliversInOrder(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	w := transport.NewConnWriter(server, transport.WriterConfig{Logger: zaptest.NewLogger(t)})
	defer w.Close()

	require.NoError(t, w.Send([]byte("one,")))
	require.NoError(t, w.Send([]byte("two,")))
	require.NoError(t, w.Send([]byte("three")))

	assert.Equal(t, "one,two,three", string(readN(t, client, len("one,two,three"))))
}

func TestConnWriter_BacklogFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	w := transport.NewConnWriter(server, transport.WriterConfig{
		Backlog:      2,
		WriteTimeout: time.Minute,
		Logger:       zaptest.NewLogger(t),
	})
	defer w.Close()

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = w.Send([]byte("frame"))
	}
	assert.ErrorIs(t, err, transport.ErrBacklogFull)
}

func TestConnWriter_WriteTimeoutClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	w := transport.NewConnWriter(server, transport.WriterConfig{
		WriteTimeout: 20 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})

	require.NoError(t, w.Send([]byte("never read")))
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled peer was not dropped")
	}
	assert.Error(t, w.Err())
	assert.ErrorIs(t, w.Send([]byte("late")), transport.ErrWriterClosed)
}

func TestConnWriter_CloseFlushesBacklog(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	w := transport.NewConnWriter(server, transport.WriterConfig{Logger: zaptest.NewLogger(t)})

	received := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(client)
		received <- data
	}()

	require.NoError(t, w.Send([]byte("a")))
	require.NoError(t, w.Send([]byte("b")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	select {
	case data := <-received:
		assert.Equal(t, "ab", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after flush")
	}
	<-w.Done()
	assert.ErrorIs(t, w.Send([]byte("c")), transport.ErrWriterClosed)
}

func TestAccept_ClosedListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = transport.Accept(ln)
	assert.ErrorIs(t, err, transport.ErrListenerClosed)
}

func TestTuneConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()

	conn, err := transport.Accept(ln)
	require.NoError(t, err)
	defer conn.Close()
	assert.NoError(t, transport.TuneConn(conn, 10*time.Second))
	assert.NoError(t, transport.TuneConn(conn, 0))
}
