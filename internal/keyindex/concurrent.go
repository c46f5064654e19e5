package keyindex

import (
	"sync"
	"sync/atomic"
)

const segmentCount = 16

type segment[V any] struct {
	mu    sync.RWMutex
	count atomic.Int64 // mirrors t.count so empty segments skip the lock
	t     table[V]
}

// Concurrent is a keyed table safe for use by many goroutines. Keys are
// spread over 16 segments, each with its own lock, so operations on keys in
// different segments never contend. Every operation touches exactly one
// segment and is atomic with respect to that key. Range is not a snapshot.
//
// The zero value is ready to use.
type Concurrent[V any] struct {
	segments [segmentCount]segment[V]
}

// NewConcurrent returns an empty Concurrent.
func NewConcurrent[V any]() *Concurrent[V] {
	c := &Concurrent[V]{}
	for i := range c.segments {
		c.segments[i].t = newTable[V](minBuckets)
	}
	return c
}

// The low bits pick the bucket inside a segment; the next four pick the segment.
func (c *Concurrent[V]) segment(h uint64) *segment[V] {
	return &c.segments[(h>>4)&(segmentCount-1)]
}

// Get returns the value stored under key.
func (c *Concurrent[V]) Get(key []byte) (V, bool) {
	var zero V
	h := hashKey(key)
	s := c.segment(h)
	if s.count.Load() == 0 {
		return zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.t.find(key, h); e != nil {
		return e.val, true
	}
	return zero, false
}

// View calls fn with the value stored under key while holding the segment's
// read lock. It reports whether the key was present.
func (c *Concurrent[V]) View(key []byte, fn func(V)) bool {
	h := hashKey(key)
	s := c.segment(h)
	if s.count.Load() == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.t.find(key, h)
	if e == nil {
		return false
	}
	fn(e.val)
	return true
}

// Insert stores val under key, replacing any existing value.
func (c *Concurrent[V]) Insert(key []byte, val V) {
	h := hashKey(key)
	s := c.segment(h)
	s.mu.Lock()
	if s.t.set(key, h, val) {
		s.count.Add(1)
	}
	s.mu.Unlock()
}

// ModifyOrElse calls update on the stored value if key is present, and
// otherwise stores build(). Both run under the segment's write lock.
func (c *Concurrent[V]) ModifyOrElse(key []byte, update func(*V), build func() V) {
	h := hashKey(key)
	s := c.segment(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.t.find(key, h); e != nil {
		update(&e.val)
		return
	}
	s.t.add(key, h, build())
	s.count.Add(1)
}

// Modify calls fn on the stored value under the write lock and returns what
// fn returned. found is false when the key is absent.
func (c *Concurrent[V]) Modify(key []byte, fn func(*V) bool) (signal, found bool) {
	h := hashKey(key)
	s := c.segment(h)
	if s.count.Load() == 0 {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.t.find(key, h)
	if e == nil {
		return false, false
	}
	return fn(&e.val), true
}

// Update calls fn on the stored value under the write lock and deletes the
// entry when fn returns false. It reports whether the key was present.
func (c *Concurrent[V]) Update(key []byte, fn func(*V) (keep bool)) bool {
	h := hashKey(key)
	s := c.segment(h)
	if s.count.Load() == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.t.find(key, h)
	if e == nil {
		return false
	}
	if !fn(&e.val) {
		s.t.remove(key, h)
		s.count.Add(-1)
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Concurrent[V]) Delete(key []byte) bool {
	h := hashKey(key)
	s := c.segment(h)
	if s.count.Load() == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.t.remove(key, h) {
		return false
	}
	s.count.Add(-1)
	return true
}

// Len returns the number of entries. Under concurrent writes the result is
// approximate.
func (c *Concurrent[V]) Len() int {
	n := int64(0)
	for i := range c.segments {
		n += c.segments[i].count.Load()
	}
	return int(n)
}

// Range calls fn for each entry until fn returns false. Each segment is read
// locked while it is visited, so fn must not call back into c for writes.
func (c *Concurrent[V]) Range(fn func(key []byte, val V) bool) {
	for i := range c.segments {
		s := &c.segments[i]
		if s.count.Load() == 0 {
			continue
		}
		s.mu.RLock()
		more := s.t.each(fn)
		s.mu.RUnlock()
		if !more {
			return
		}
	}
}
