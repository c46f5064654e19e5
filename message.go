package rqueue

import (
	"bytes"

	"github.com/valyala/bytebufferpool"

	"github.com/subnetmarco/rqueue/protocol"
)

// message is one unit of work for a worker. Messages read off a connection
// keep their pooled frame, and topic and body alias it until release.
type message struct {
	typ    protocol.Type
	topic  []byte
	body   []byte
	origin Subscriber // nil for injected notifications
	frame  *protocol.Frame
}

// newMessage takes ownership of f.
func newMessage(f *protocol.Frame, origin Subscriber) (*message, error) {
	m, err := f.Message()
	if err != nil {
		return nil, err
	}
	return &message{typ: m.Type, topic: m.Topic, body: m.Body, origin: origin, frame: f}, nil
}

func deregisterMessage(origin Subscriber) *message {
	return &message{typ: protocol.TypeDeregister, origin: origin}
}

// sibling returns the copy of m a worker forwards to one of its siblings:
// owned topic and body, the same origin handle, and the terminal *_ONCE type.
func (m *message) sibling() (*message, bool) {
	once, ok := m.typ.Once()
	if !ok {
		return nil, false
	}
	return &message{
		typ:    once,
		topic:  bytes.Clone(m.topic),
		body:   bytes.Clone(m.body),
		origin: m.origin,
	}, true
}

// wire returns the frame to fan out. Received frames are used in place;
// injected ones are encoded into bb.
func (m *message) wire(bb *bytebufferpool.ByteBuffer) ([]byte, error) {
	if m.frame != nil && m.frame.Type() == protocol.TypeNotification {
		return m.frame.Bytes(), nil
	}
	var err error
	bb.B, err = protocol.AppendFrame(bb.B[:0], protocol.TypeNotification, m.topic, m.body)
	return bb.B, err
}

func (m *message) release() {
	m.frame.Release()
	m.frame = nil
	m.topic, m.body = nil, nil
}
