package rqueue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subnetmarco/rqueue/protocol"
)

// scriptedConn accepts at most chunk bytes per Write. The first timeouts
// writes fail with a deadline error, and once failAfter bytes have been
// written (when failAfter > 0) every write fails.
type scriptedConn struct {
	net.Conn // nil; only the methods below are used

	mu        sync.Mutex
	chunk     int
	timeouts  int
	failAfter int
	written   bytes.Buffer
	closed    bool
}

func (s *scriptedConn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	if s.timeouts > 0 {
		s.timeouts--
		return 0, os.ErrDeadlineExceeded
	}
	if s.failAfter > 0 && s.written.Len() >= s.failAfter {
		return 0, errors.New("broken pipe")
	}
	n := min(len(p), s.chunk)
	s.written.Write(p[:n])
	return n, nil
}

func (s *scriptedConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedConn) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func (s *scriptedConn) SetWriteDeadline(time.Time) error { return nil }
func (s *scriptedConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000} }

// startConn runs the connection's writer until the test ends.
func startConn(t *testing.T, nc net.Conn, outbox int, timeout time.Duration) *Conn {
	t.Helper()
	c := newConn(nc, 1, 0, outbox, timeout)
	done := make(chan struct{})
	go func() {
		c.writeLoop(discard)
		close(done)
	}()
	t.Cleanup(func() {
		_ = c.Close()
		<-done
	})
	return c
}

func TestConnSend(t *testing.T) {
	t.Parallel()

	server, peer := net.Pipe()
	defer peer.Close()
	c := startConn(t, server, 4, time.Second)
	assert.Equal(t, "pipe#1", c.ID().String())

	frame := []byte("hello")
	require.NoError(t, c.Send(frame))
	frame[0] = 'j' // Send keeps its own copy

	buf := make([]byte, 5)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestConnSendAfterClose(t *testing.T) {
	t.Parallel()

	server, peer := net.Pipe()
	defer peer.Close()
	c := startConn(t, server, 4, time.Second)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send([]byte("x")), net.ErrClosed)
}

func TestConnSendNeverBlocksOnStalledPeer(t *testing.T) {
	t.Parallel()

	server, peer := net.Pipe() // peer does not read yet
	defer peer.Close()
	c := startConn(t, server, 2, 10*time.Millisecond)

	frame, err := protocol.Notify([]byte("t"), []byte("payload"))
	require.NoError(t, err)

	start := time.Now()
	var full int
	for range 10 {
		if err := c.Send(frame); err != nil {
			require.ErrorIs(t, err, ErrOutboxFull)
			full++
		}
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// one frame in the writer, two queued
	assert.GreaterOrEqual(t, full, 7)

	// Deadlines expired meanwhile; the writer resumed instead of giving up.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.closed.Load())

	rd := protocol.NewReader(peer)
	for range 10 - full {
		var f *protocol.Frame
		for {
			f, err = rd.Next()
			if !errors.Is(err, protocol.ErrWouldBlock) {
				break
			}
		}
		require.NoError(t, err)
		assert.Equal(t, frame, f.Bytes())
		f.Release()
	}
}

func TestConnRetriesShortWrites(t *testing.T) {
	t.Parallel()

	sc := &scriptedConn{chunk: 1}
	c := startConn(t, sc, 4, time.Second)

	require.NoError(t, c.Send([]byte("one frame")))
	require.Eventually(t, func() bool { return sc.output() == "one frame" }, time.Second, time.Millisecond)
	assert.False(t, c.closed.Load())
}

func TestConnResumesAfterWriteTimeout(t *testing.T) {
	t.Parallel()

	sc := &scriptedConn{chunk: 2, timeouts: 3}
	c := startConn(t, sc, 4, time.Second)

	require.NoError(t, c.Send([]byte("abcdef")))
	require.NoError(t, c.Send([]byte("gh")))
	require.Eventually(t, func() bool { return sc.output() == "abcdefgh" }, time.Second, time.Millisecond)
	assert.False(t, c.closed.Load(), "a timeout is not a hangup")
}

func TestConnClosesOnTransportError(t *testing.T) {
	t.Parallel()

	sc := &scriptedConn{chunk: 3, failAfter: 3}
	c := startConn(t, sc, 4, time.Second)

	require.NoError(t, c.Send([]byte("abcdef")))
	require.Eventually(t, c.closed.Load, time.Second, time.Millisecond)
	assert.Equal(t, "abc", sc.output())
	assert.ErrorIs(t, c.Send([]byte("next")), net.ErrClosed)
}

func TestReadLoopDeregistersOnHangup(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Threads: 1, IdlePoll: 20 * time.Millisecond})
	require.NoError(t, err)
	w := s.workers[0]

	server, peer := net.Pipe()
	c := newConn(server, 1, w.id, 4, time.Second)
	s.conns.Insert(c.key, c)
	w.connections.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.readLoop(ctx, c, w)
		close(done)
	}()

	frame, err := protocol.Subscribe([]byte("x"))
	require.NoError(t, err)
	_, err = peer.Write(frame)
	require.NoError(t, err)

	m := <-w.events
	assert.Equal(t, protocol.TypeSubscribe, m.typ)
	assert.Equal(t, "x", string(m.topic))
	assert.Same(t, c, m.origin)
	m.release()

	require.NoError(t, peer.Close())
	<-done

	m = <-w.events
	assert.Equal(t, protocol.TypeDeregister, m.typ)
	assert.Same(t, c, m.origin)
	assert.Zero(t, s.conns.Len())
	assert.Zero(t, w.connections.Load())
	assert.True(t, c.closed.Load())
}
