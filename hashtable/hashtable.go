// Package hashtable implements a fixed-bucket-count hash table with
// per-bucket locking. It backs both the open-inode table (keyed by
// on-disk sector number) and the frame table (keyed by kernel page
// identifier), avoiding a single global lock around a map that would
// otherwise serialize unrelated sectors/frames.
package hashtable

import (
	"sync"
)

type elem[K comparable, V any] struct {
	key  K
	val  V
	next *elem[K, V]
}

type bucket[K comparable, V any] struct {
	sync.RWMutex
	first *elem[K, V]
}

// Table is a hash table mapping K to V, sharded into a fixed number of
// lock-striped buckets.
type Table[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    func(K) uint32
}

// New allocates a Table with the given bucket count and hash function.
func New[K comparable, V any](nbuckets int, hash func(K) uint32) *Table[K, V] {
	if nbuckets <= 0 {
		panic("bad bucket count")
	}
	t := &Table[K, V]{
		buckets: make([]*bucket[K, V], nbuckets),
		hash:    hash,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(k K) *bucket[K, V] {
	return t.buckets[t.hash(k)%uint32(len(t.buckets))]
}

// Get looks up k and reports whether it was present.
func (t *Table[K, V]) Get(k K) (V, bool) {
	b := t.bucketFor(k)
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == k {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts k/v, overwriting any existing value, and reports whether
// the key was newly inserted (false if it already existed and was
// overwritten).
func (t *Table[K, V]) Set(k K, v V) bool {
	b := t.bucketFor(k)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == k {
			e.val = v
			return false
		}
	}
	b.first = &elem[K, V]{key: k, val: v, next: b.first}
	return true
}

// Del removes k if present; it is a no-op if k is absent.
func (t *Table[K, V]) Del(k K) {
	b := t.bucketFor(k)
	b.Lock()
	defer b.Unlock()
	var prev *elem[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == k {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Len returns the total number of elements stored.
func (t *Table[K, V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.RUnlock()
	}
	return n
}

// Iter calls f for every key/value pair. f must not mutate the table.
// Iteration stops early if f returns false.
func (t *Table[K, V]) Iter(f func(K, V) bool) {
	for _, b := range t.buckets {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if !f(e.key, e.val) {
				b.RUnlock()
				return
			}
		}
		b.RUnlock()
	}
}

// FNV32 is a convenience string hash for callers that key the table by
// a name rather than a small integer.
func FNV32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// IntHash is the hash function used for int-keyed tables (sector
// numbers, kernel page identifiers): Knuth's multiplicative hash.
func IntHash(n int) uint32 {
	return uint32(2654435761) * uint32(n)
}
