package keyindex

// Local is a keyed table owned by a single goroutine. It does no locking.
// The zero value is ready to use.
type Local[V any] struct {
	t table[V]
}

// NewLocal returns a Local sized for roughly capacity entries.
func NewLocal[V any](capacity int) *Local[V] {
	return &Local[V]{t: newTable[V](capacity / maxLoad)}
}

// Get returns the value stored under key.
func (m *Local[V]) Get(key []byte) (V, bool) {
	if e := m.t.find(key, hashKey(key)); e != nil {
		return e.val, true
	}
	var zero V
	return zero, false
}

// Insert stores val under key, replacing any existing value.
func (m *Local[V]) Insert(key []byte, val V) {
	m.t.set(key, hashKey(key), val)
}

// ModifyOrElse calls update on the stored value if key is present, and
// otherwise stores build().
func (m *Local[V]) ModifyOrElse(key []byte, update func(*V), build func() V) {
	h := hashKey(key)
	if e := m.t.find(key, h); e != nil {
		update(&e.val)
		return
	}
	m.t.add(key, h, build())
}

// Modify calls fn on the stored value if key is present and returns what fn
// returned. found is false when the key is absent.
func (m *Local[V]) Modify(key []byte, fn func(*V) bool) (signal, found bool) {
	e := m.t.find(key, hashKey(key))
	if e == nil {
		return false, false
	}
	return fn(&e.val), true
}

// Update calls fn on the stored value if key is present and deletes the
// entry when fn returns false. It reports whether the key was present.
func (m *Local[V]) Update(key []byte, fn func(*V) (keep bool)) bool {
	h := hashKey(key)
	e := m.t.find(key, h)
	if e == nil {
		return false
	}
	if !fn(&e.val) {
		m.t.remove(key, h)
	}
	return true
}

// Delete removes key and reports whether it was present.
func (m *Local[V]) Delete(key []byte) bool {
	return m.t.remove(key, hashKey(key))
}

// Len returns the number of entries.
func (m *Local[V]) Len() int { return m.t.count }

// Range calls fn for each entry until fn returns false. fn must not modify
// the table.
func (m *Local[V]) Range(fn func(key []byte, val V) bool) {
	m.t.each(fn)
}
