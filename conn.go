package rqueue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/subnetmarco/rqueue/protocol"
)

// Conn is the broker's handle on one client connection. It is created once
// at accept time and shared by every worker that holds a subscription for
// it. Workers only enqueue frames; the connection's writer goroutine is the
// only one that writes to the socket.
type Conn struct {
	id       SubscriberID
	key      []byte
	nc       net.Conn
	worker   int
	accepted time.Time
	timeout  time.Duration

	out       chan *bytebufferpool.ByteBuffer
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(nc net.Conn, gen uint64, worker, outbox int, writeTimeout time.Duration) *Conn {
	id := SubscriberID{Addr: nc.RemoteAddr().String(), Gen: gen}
	return &Conn{
		id:       id,
		key:      id.key(),
		nc:       nc,
		worker:   worker,
		accepted: time.Now(),
		timeout:  writeTimeout,
		out:      make(chan *bytebufferpool.ByteBuffer, outbox),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() SubscriberID { return c.id }

// Send queues a copy of frame for the writer and never blocks. A full queue
// loses this frame only; the connection and its subscriptions stay.
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("rqueue: write to %s: %w", c.id, net.ErrClosed)
	}
	bb := bytebufferpool.Get()
	bb.B = append(bb.B[:0], frame...)
	select {
	case c.out <- bb:
		return nil
	default:
		bytebufferpool.Put(bb)
		return fmt.Errorf("rqueue: write to %s: %w", c.id, ErrOutboxFull)
	}
}

// queued is the number of frames waiting for the writer.
func (c *Conn) queued() int { return len(c.out) }

// Close closes the underlying connection and stops the writer. Queued
// frames are dropped. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// writeLoop owns the socket's write side until the connection closes. A
// transport error other than a timeout closes the connection, and the
// reader reports the hangup.
func (c *Conn) writeLoop(log *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case bb := <-c.out:
			err := c.write(bb.B)
			bytebufferpool.Put(bb)
			if err != nil {
				if !c.closed.Load() {
					log.Debug("connection write failed", slog.String("conn", c.id.String()), slog.Any("error", err))
				}
				_ = c.Close()
				return
			}
		}
	}
}

// write puts one whole frame on the wire. Short writes continue with the
// remaining tail. A deadline that expires keeps the written prefix and the
// rest is retried, so a stalled peer never receives half a frame followed
// by another.
func (c *Conn) write(frame []byte) error {
	for written := 0; written < len(frame); {
		if c.timeout > 0 {
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
		}
		n, err := c.nc.Write(frame[written:])
		written += n
		switch {
		case err == nil && n == 0:
			return io.ErrShortWrite
		case err == nil:
		case isTimeout(err):
			if c.closed.Load() {
				return net.ErrClosed
			}
		default:
			return fmt.Errorf("rqueue: write to %s (%d/%d bytes): %w", c.id, written, len(frame), err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ---------- Reader goroutine ----------

// readLoop turns the connection's byte stream into messages for its worker.
// Whatever ends the loop, exactly one DEREGISTER is issued for the
// connection afterwards.
func (s *Service) readLoop(ctx context.Context, c *Conn, w *worker) {
	defer s.hangup(ctx, c, w)

	br := bufio.NewReaderSize(c.nc, s.cfg.ReadBufSize)
	rd := protocol.NewReader(br)
	defer rd.Close()

	log := s.log.With(slog.String("conn", c.id.String()))
	for {
		// The deadline only bounds how long a quiet connection goes without
		// a shutdown check; expiry keeps partial frames.
		if br.Buffered() == 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(s.cfg.IdlePoll))
		}
		f, err := rd.Next()
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrWouldBlock):
			if ctx.Err() != nil {
				return
			}
			runtime.Gosched()
			continue
		case errors.Is(err, io.EOF):
			log.Debug("peer closed connection")
			return
		case errors.Is(err, protocol.ErrFraming):
			s.stats.framingErrors.Add(1)
			log.Warn("dropping connection after framing error", slog.Any("error", err))
			return
		case errors.Is(err, net.ErrClosed) || ctx.Err() != nil:
			return
		default:
			log.Debug("connection read failed", slog.Any("error", err))
			return
		}

		m, err := newMessage(f, c)
		if err != nil {
			f.Release()
			s.stats.framingErrors.Add(1)
			log.Warn("dropping connection after framing error", slog.Any("error", err))
			return
		}
		select {
		case w.events <- m:
		case <-ctx.Done():
			m.release()
			return
		}
	}
}

func (s *Service) hangup(ctx context.Context, c *Conn, w *worker) {
	s.conns.Delete(c.key)
	w.connections.Add(-1)
	_ = c.Close()
	select {
	case w.events <- deregisterMessage(c):
	case <-ctx.Done():
	}
}
