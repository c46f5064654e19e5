package rqueue

import "sync"

// link is one direction of the worker mesh: an unbounded FIFO from one
// worker to one sibling. push never blocks the sender.
type link struct {
	mu    sync.Mutex
	queue []*message
	wake  chan struct{} // the receiver's; shared by all of its inbound links
}

func (l *link) push(m *message) {
	l.mu.Lock()
	l.queue = append(l.queue, m)
	l.mu.Unlock()

	// Non-blocking notification (coalesce wake-ups)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// drain moves every queued message onto dst in arrival order.
func (l *link) drain(dst []*message) []*message {
	l.mu.Lock()
	dst = append(dst, l.queue...)
	clear(l.queue)
	l.queue = l.queue[:0]
	l.mu.Unlock()
	return dst
}

func (l *link) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
