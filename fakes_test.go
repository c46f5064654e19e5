package rqueue

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/subnetmarco/rqueue/protocol"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSub records every frame sent to it.
type fakeSub struct {
	id SubscriberID

	mu     sync.Mutex
	frames [][]byte
	err    error
}

func newFakeSub(addr string, gen uint64) *fakeSub {
	return &fakeSub{id: SubscriberID{Addr: addr, Gen: gen}}
}

func (f *fakeSub) ID() SubscriberID { return f.id }

func (f *fakeSub) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, bytes.Clone(frame))
	return nil
}

func (f *fakeSub) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSub) received() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.frames))
	for _, fr := range f.frames {
		m, err := protocol.Decode(fr)
		if err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

// check verifies the topic and interest indices agree.
func (s *subscriptions) check() error {
	var err error
	s.topics.Range(func(topic []byte, set subscriberSet) bool {
		if len(set) == 0 {
			err = fmt.Errorf("topic %q has an empty entry", topic)
			return false
		}
		for id := range set {
			in, ok := s.interests[id]
			if !ok {
				err = fmt.Errorf("%s listed under %q has no interest entry", id, topic)
				return false
			}
			if _, ok := in.topics[string(topic)]; !ok {
				err = fmt.Errorf("%s listed under %q but not interested in it", id, topic)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	for id, in := range s.interests {
		for topic := range in.topics {
			if !s.subscribed([]byte(topic), id) {
				return fmt.Errorf("%s interested in %q but not listed", id, topic)
			}
		}
	}
	return nil
}

func msg(typ protocol.Type, topic string, body []byte, origin Subscriber) *message {
	return &message{typ: typ, topic: []byte(topic), body: body, origin: origin}
}
