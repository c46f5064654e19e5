package rqueue

import "errors"

var (
	// ErrClosed is returned by operations on a Service after Close.
	ErrClosed = errors.New("rqueue: service closed")

	// ErrDraining is returned by Publish while the service shuts down.
	ErrDraining = errors.New("rqueue: server draining")

	// ErrInvalidTopic is returned for topics longer than protocol.MaxTopicSize.
	ErrInvalidTopic = errors.New("rqueue: invalid topic")

	// ErrBodyTooLarge is returned when topic and body do not fit in one frame.
	ErrBodyTooLarge = errors.New("rqueue: body too large")

	// ErrOutboxFull is returned by Conn.Send when the connection's outbound
	// queue is full. Only that frame is lost.
	ErrOutboxFull = errors.New("rqueue: outbound queue full")

	// ErrNotServing is returned by Publish before Serve has started the workers.
	ErrNotServing = errors.New("rqueue: service not serving")
)
