// Package client is a Go client for the rqueue broker.
//
//	c, err := client.Dial(ctx, "localhost:6567")
//	if err != nil { ... }
//	defer c.Close()
//
//	_ = c.Subscribe("orders")
//	_ = c.Publish("orders", []byte(`{"id":1}`))
//	n, err := c.Receive(ctx)
//
// A Client may be used from several goroutines: writes are serialized and
// Receive is safe to call from one goroutine at a time while others publish.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/subnetmarco/rqueue/protocol"
)

// pollInterval bounds how long Receive blocks before rechecking its context.
const pollInterval = 100 * time.Millisecond

// Notification is one message delivered by the broker.
type Notification struct {
	Topic string
	Body  []byte
}

type Client struct {
	conn net.Conn

	wmu          sync.Mutex
	writeTimeout time.Duration

	rmu sync.Mutex
	rd  *protocol.Reader
}

// Option configures a Client.
type Option func(*Client)

// WithWriteTimeout bounds every frame write. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// Dial connects to the broker at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		writeTimeout: 5 * time.Second,
		rd:           protocol.NewReader(bufio.NewReader(conn)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe asks the broker to deliver notifications published on topic.
func (c *Client) Subscribe(topic string) error {
	return c.send(protocol.TypeSubscribe, topic, nil)
}

// Unsubscribe removes the subscription to topic. Unknown topics are ignored
// by the broker.
func (c *Client) Unsubscribe(topic string) error {
	return c.send(protocol.TypeRemove, topic, nil)
}

// Deregister drops every subscription of this connection.
func (c *Client) Deregister() error {
	return c.send(protocol.TypeDeregister, "", nil)
}

// Publish sends body to every subscriber of topic.
func (c *Client) Publish(topic string, body []byte) error {
	return c.send(protocol.TypePublish, topic, body)
}

func (c *Client) send(typ protocol.Type, topic string, body []byte) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	var err error
	bb.B, err = protocol.AppendFrame(bb.B[:0], typ, []byte(topic), body)
	if err != nil {
		return fmt.Errorf("client: %s: %w", typ, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(bb.B); err != nil {
		return fmt.Errorf("client: %s: %w", typ, err)
	}
	return nil
}

// Receive waits for the next notification. It returns io.EOF once the broker
// closed the connection, or ctx.Err() when ctx ends first. A frame cut short
// by ctx is kept and completed by the next call. Frames of other types are
// skipped; a frame whose payload does not decode is returned as an error
// wrapping protocol.ErrFraming.
func (c *Client) Receive(ctx context.Context) (Notification, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	for {
		if err := ctx.Err(); err != nil {
			return Notification{}, err
		}
		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.conn.SetReadDeadline(deadline)

		f, err := c.rd.Next()
		if errors.Is(err, protocol.ErrWouldBlock) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Notification{}, io.EOF
			}
			return Notification{}, fmt.Errorf("client: receive: %w", err)
		}

		msg, err := f.Message()
		if err != nil {
			f.Release()
			return Notification{}, fmt.Errorf("client: receive: %w", err)
		}
		if msg.Type != protocol.TypeNotification {
			f.Release()
			continue
		}
		n := Notification{Topic: string(msg.Topic), Body: append([]byte(nil), msg.Body...)}
		f.Release()
		return n, nil
	}
}

// Close closes the connection. The broker drops every subscription of it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the client side of the connection.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }
