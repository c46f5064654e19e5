package rqueue

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/subnetmarco/rqueue/internal/keyindex"
)

const counterShards = 32

type counterShard struct {
	published     atomic.Int64
	delivered     atomic.Int64
	writeFailures atomic.Int64
	broadcasts    atomic.Int64
}

// totals spreads hot counters over shards picked by topic hash so workers
// fanning out different topics do not share a cache line.
type totals struct{ shards [counterShards]counterShard }

func (t *totals) shard(h uint64) *counterShard { return &t.shards[h%counterShards] }

func (t *totals) snapshot() (pub, del, fail, bro int64) {
	for i := range t.shards {
		pub += t.shards[i].published.Load()
		del += t.shards[i].delivered.Load()
		fail += t.shards[i].writeFailures.Load()
		bro += t.shards[i].broadcasts.Load()
	}
	return
}

type topicStats struct {
	published     atomic.Int64
	delivered     atomic.Int64
	writeFailures atomic.Int64
}

// stats is shared by every worker, the acceptor and the health handler.
type stats struct {
	totals totals
	// Per-topic counters, created the first time a topic is delivered to at
	// least one subscriber and dropped once it has none left. At most
	// maxTopics are tracked (0 means no limit); the cap is approximate under
	// concurrent creation.
	topics    *keyindex.Concurrent[*topicStats]
	maxTopics int
	untracked atomic.Int64 // publishes to topics past the cap

	accepted      atomic.Int64
	framingErrors atomic.Int64
	unknownTypes  atomic.Int64
}

func newStats() *stats {
	return &stats{topics: keyindex.NewConcurrent[*topicStats]()}
}

// topic returns the counters of topic, creating them if the cap allows. It
// returns nil when the topic is not tracked.
func (s *stats) topic(topic []byte) *topicStats {
	if ts, ok := s.topics.Get(topic); ok {
		return ts
	}
	if s.maxTopics > 0 && s.topics.Len() >= s.maxTopics {
		return nil
	}
	var ts *topicStats
	s.topics.ModifyOrElse(topic,
		func(v **topicStats) { ts = *v },
		func() *topicStats { ts = new(topicStats); return ts })
	return ts
}

// recordPublish counts one notification handled by a worker.
func (s *stats) recordPublish(topic []byte, delivered, failed int) {
	sh := s.totals.shard(xxhash.Sum64(topic))
	sh.published.Add(1)
	if delivered+failed == 0 {
		return
	}
	sh.delivered.Add(int64(delivered))
	sh.writeFailures.Add(int64(failed))

	ts := s.topic(topic)
	if ts == nil {
		s.untracked.Add(1)
		return
	}
	ts.published.Add(1)
	ts.delivered.Add(int64(delivered))
	ts.writeFailures.Add(int64(failed))
}

// forget drops the counters of a topic nobody subscribes to anymore.
func (s *stats) forget(topic []byte) {
	s.topics.Delete(topic)
}

func (s *stats) recordBroadcast(topic []byte, siblings int) {
	s.totals.shard(xxhash.Sum64(topic)).broadcasts.Add(int64(siblings))
}
