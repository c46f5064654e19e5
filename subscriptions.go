package rqueue

import (
	"strconv"

	"github.com/subnetmarco/rqueue/internal/keyindex"
)

// SubscriberID identifies one accepted connection for its whole lifetime.
// Gen is drawn from a broker-wide counter, so a reconnect from the same
// address never inherits the state of the connection it replaces.
type SubscriberID struct {
	Addr string
	Gen  uint64
}

func (id SubscriberID) String() string {
	return id.Addr + "#" + strconv.FormatUint(id.Gen, 10)
}

func (id SubscriberID) key() []byte {
	b := make([]byte, 0, len(id.Addr)+21)
	b = append(b, id.Addr...)
	b = append(b, '#')
	return strconv.AppendUint(b, id.Gen, 10)
}

// Subscriber is a handle a worker can deliver frames to. Send must not block
// and must not retain frame; it is called concurrently by every worker
// holding the handle.
type Subscriber interface {
	ID() SubscriberID
	Send(frame []byte) error
}

type subscriberSet map[SubscriberID]Subscriber

type interest struct {
	sub    Subscriber
	topics map[string]struct{}
}

// subscriptions is one worker's private view of who listens to what. Only
// the owning worker goroutine touches it.
//
// The topic index and the interest index are kept mutually consistent:
// a subscriber is in topics[T] iff T is in interests[subscriber]. A topic
// whose last subscriber leaves has no entry at all.
type subscriptions struct {
	topics    *keyindex.Local[subscriberSet]
	interests map[SubscriberID]*interest

	// emptied, when set, is called with every topic whose last subscriber
	// left.
	emptied func(topic []byte)
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		topics:    keyindex.NewLocal[subscriberSet](256),
		interests: make(map[SubscriberID]*interest),
	}
}

// subscribe registers sub for topic and reports whether it was new.
func (s *subscriptions) subscribe(topic []byte, sub Subscriber) bool {
	id := sub.ID()
	added := false
	s.topics.ModifyOrElse(topic,
		func(set *subscriberSet) {
			if _, ok := (*set)[id]; !ok {
				(*set)[id] = sub
				added = true
			}
		},
		func() subscriberSet {
			added = true
			return subscriberSet{id: sub}
		})

	in, ok := s.interests[id]
	if !ok {
		in = &interest{sub: sub, topics: make(map[string]struct{})}
		s.interests[id] = in
	}
	in.topics[string(topic)] = struct{}{}
	return added
}

// unsubscribe drops id from topic and reports whether it was subscribed.
func (s *subscriptions) unsubscribe(topic []byte, id SubscriberID) bool {
	removed := s.dropTopic(topic, id)
	if in, ok := s.interests[id]; ok {
		delete(in.topics, string(topic))
		if len(in.topics) == 0 {
			delete(s.interests, id)
		}
	}
	return removed
}

// deregister drops every subscription of id and returns how many there were.
func (s *subscriptions) deregister(id SubscriberID) int {
	in, ok := s.interests[id]
	if !ok {
		return 0
	}
	for topic := range in.topics {
		s.dropTopic([]byte(topic), id)
	}
	delete(s.interests, id)
	return len(in.topics)
}

func (s *subscriptions) dropTopic(topic []byte, id SubscriberID) bool {
	removed, last := false, false
	s.topics.Update(topic, func(set *subscriberSet) bool {
		if _, ok := (*set)[id]; ok {
			delete(*set, id)
			removed = true
		}
		last = removed && len(*set) == 0
		return len(*set) > 0
	})
	if last && s.emptied != nil {
		s.emptied(topic)
	}
	return removed
}

// deliveries appends every subscriber of topic to dst. It does no I/O.
func (s *subscriptions) deliveries(topic []byte, dst []Subscriber) []Subscriber {
	set, ok := s.topics.Get(topic)
	if !ok {
		return dst
	}
	for _, sub := range set {
		dst = append(dst, sub)
	}
	return dst
}

func (s *subscriptions) subscribed(topic []byte, id SubscriberID) bool {
	set, ok := s.topics.Get(topic)
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

func (s *subscriptions) topicCount() int { return s.topics.Len() }

func (s *subscriptions) subscriberCount() int { return len(s.interests) }
