package rqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/subnetmarco/rqueue/protocol"
)

// worker owns one shard of subscription state. Its goroutine is the only one
// that ever touches subs. Other goroutines reach it through events (frames
// and hangups from the connections it owns, injected publishes) or through
// its inbound links (mutations broadcast by siblings).
type worker struct {
	id     int
	subs   *subscriptions
	events chan *message
	wake   chan struct{}
	in     []*link // from each sibling
	out    []*link // to each sibling
	stats  *stats
	log    *slog.Logger

	// gauges, read by the health handler
	topics      atomic.Int64
	subscribers atomic.Int64
	dispatched  atomic.Int64
	connections atomic.Int64

	targets []Subscriber
	pending []*message
}

// newPool builds n workers joined by a full mesh of n*(n-1) links.
func newPool(n, inbox int, st *stats, log *slog.Logger) []*worker {
	workers := make([]*worker, n)
	for i := range workers {
		subs := newSubscriptions()
		subs.emptied = st.forget
		workers[i] = &worker{
			id:     i,
			subs:   subs,
			events: make(chan *message, inbox),
			wake:   make(chan struct{}, 1),
			stats:  st,
			log:    log.With(slog.Int("worker", i)),
		}
	}
	for _, from := range workers {
		for _, to := range workers {
			if from == to {
				continue
			}
			l := &link{wake: to.wake}
			from.out = append(from.out, l)
			to.in = append(to.in, l)
		}
	}
	return workers
}

// run processes events until ctx is done.
func (w *worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-w.events:
			w.dispatch(m)
		case <-w.wake:
			w.drainLinks()
		}
	}
}

func (w *worker) drainLinks() {
	for _, l := range w.in {
		w.pending = l.drain(w.pending[:0])
		for _, m := range w.pending {
			w.dispatch(m)
		}
		clear(w.pending)
	}
}

// dispatch applies one message to the worker's state and releases it.
func (w *worker) dispatch(m *message) {
	defer m.release()
	w.dispatched.Add(1)

	switch m.typ {
	case protocol.TypeNotification:
		w.notify(m)
		return
	case protocol.TypeSubscribe, protocol.TypeSubscribeOnce:
		if m.origin == nil {
			return
		}
		w.subs.subscribe(m.topic, m.origin)
	case protocol.TypeRemove, protocol.TypeRemoveOnce:
		if m.origin == nil {
			return
		}
		w.subs.unsubscribe(m.topic, m.origin.ID())
	case protocol.TypeDeregister, protocol.TypeDeregisterOnce:
		if m.origin == nil {
			return
		}
		w.subs.deregister(m.origin.ID())
	default:
		w.stats.unknownTypes.Add(1)
		w.log.Warn("dropping message of unknown type", slog.String("type", m.typ.String()))
		return
	}

	w.topics.Store(int64(w.subs.topicCount()))
	w.subscribers.Store(int64(w.subs.subscriberCount()))
	w.broadcast(m)
}

// broadcast forwards a retagged copy of m to every sibling. Terminal types
// are never forwarded, so propagation stops after one hop.
func (w *worker) broadcast(m *message) {
	if !m.typ.Broadcast() || len(w.out) == 0 {
		return
	}
	for _, l := range w.out {
		cp, _ := m.sibling()
		l.push(cp)
	}
	w.stats.recordBroadcast(m.topic, len(w.out))
}

// notify hands the notification to every subscriber of its topic. Send only
// enqueues, so a slow subscriber never holds up the others. A failed
// delivery abandons that one frame; removal only ever follows a hangup.
func (w *worker) notify(m *message) {
	w.targets = w.subs.deliveries(m.topic, w.targets[:0])
	defer clear(w.targets)
	if len(w.targets) == 0 {
		w.stats.recordPublish(m.topic, 0, 0)
		return
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	frame, err := m.wire(bb)
	if err != nil {
		w.log.Warn("dropping unencodable notification", slog.Int("topic_len", len(m.topic)), slog.Any("error", err))
		return
	}

	delivered, failed := 0, 0
	for _, sub := range w.targets {
		if err := sub.Send(frame); err != nil {
			failed++
			lvl := slog.LevelWarn
			if errors.Is(err, ErrOutboxFull) {
				lvl = slog.LevelDebug // slow reader, logged per frame
			}
			w.log.Log(context.Background(), lvl, "notification write failed",
				slog.String("subscriber", sub.ID().String()),
				slog.Any("error", err),
			)
			continue
		}
		delivered++
	}
	w.stats.recordPublish(m.topic, delivered, failed)
}

// backlog counts messages waiting for this worker.
func (w *worker) backlog() int {
	n := len(w.events)
	for _, l := range w.in {
		n += l.len()
	}
	return n
}
