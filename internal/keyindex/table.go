// Package keyindex provides hash tables keyed by arbitrary byte strings.
//
// Local is a single-owner table with no locking, used for state that exactly
// one goroutine ever touches. Concurrent splits the same table into 16
// independently locked segments for state shared across goroutines. Both use
// the same chaining and hashing algorithm and the same API.
//
// Lookups take []byte keys without allocating; stored keys are owned copies.
// Callbacks that receive a *V may mutate the value in place but must not
// retain the pointer after returning.
package keyindex

import (
	"bytes"
	"hash/maphash"
)

const (
	minBuckets = 8
	maxLoad    = 4 // average chain length that triggers doubling
)

var seed = maphash.MakeSeed()

// hashKey is keyed with a per-process random seed so crafted keys cannot pile
// into one bucket across restarts.
func hashKey(key []byte) uint64 {
	return maphash.Bytes(seed, key)
}

type entry[V any] struct {
	key  []byte
	val  V
	hash uint64
}

// table is a chained hash table. Bucket selection is hash & (len(buckets)-1);
// len(buckets) is always a power of two.
type table[V any] struct {
	buckets [][]entry[V]
	count   int
}

func newTable[V any](size int) table[V] {
	n := minBuckets
	for n < size {
		n <<= 1
	}
	return table[V]{buckets: make([][]entry[V], n)}
}

func (t *table[V]) bucket(h uint64) int {
	return int(h & uint64(len(t.buckets)-1))
}

func (t *table[V]) find(key []byte, h uint64) *entry[V] {
	if t.count == 0 {
		return nil
	}
	chain := t.buckets[t.bucket(h)]
	for i := range chain {
		if chain[i].hash == h && bytes.Equal(chain[i].key, key) {
			return &chain[i]
		}
	}
	return nil
}

// add appends a new entry. The caller has checked the key is absent.
func (t *table[V]) add(key []byte, h uint64, val V) {
	if t.buckets == nil {
		*t = newTable[V](minBuckets)
	}
	b := t.bucket(h)
	t.buckets[b] = append(t.buckets[b], entry[V]{key: bytes.Clone(key), val: val, hash: h})
	t.count++
	if t.count > len(t.buckets)*maxLoad {
		t.grow()
	}
}

// set replaces the value for key or adds it. It reports whether an entry was added.
func (t *table[V]) set(key []byte, h uint64, val V) bool {
	if e := t.find(key, h); e != nil {
		e.val = val
		return false
	}
	t.add(key, h, val)
	return true
}

func (t *table[V]) remove(key []byte, h uint64) bool {
	if t.count == 0 {
		return false
	}
	b := t.bucket(h)
	chain := t.buckets[b]
	for i := range chain {
		if chain[i].hash == h && bytes.Equal(chain[i].key, key) {
			last := len(chain) - 1
			chain[i] = chain[last]
			chain[last] = entry[V]{}
			t.buckets[b] = chain[:last]
			t.count--
			return true
		}
	}
	return false
}

func (t *table[V]) grow() {
	next := make([][]entry[V], len(t.buckets)*2)
	mask := uint64(len(next) - 1)
	for _, chain := range t.buckets {
		for _, e := range chain {
			next[e.hash&mask] = append(next[e.hash&mask], e)
		}
	}
	t.buckets = next
}

func (t *table[V]) each(fn func(key []byte, val V) bool) bool {
	for _, chain := range t.buckets {
		for i := range chain {
			if !fn(chain[i].key, chain[i].val) {
				return false
			}
		}
	}
	return true
}
