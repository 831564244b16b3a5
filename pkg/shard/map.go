// Package shard provides a string-keyed map split across independently
// locked shards, so per-device state for different devices never contends on
// a single lock.
package shard

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when New is given n <= 0.
const DefaultShards = 64

// Map is a concurrent map from string keys to V. The zero value is not
// usable; create one with New.
type Map[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// New creates a map with n shards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the value under key, calling create to build and store
// it if absent. create runs with the shard locked and must not touch m.
func (m *Map[V]) GetOrCreate(key string, create func() V) V {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	if ok {
		return v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v
	}
	v = create()
	s.m[key] = v
	return v
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Update calls fn with the current value under key, holding the key's shard
// lock, and stores the value fn returns. If fn fails nothing is stored and
// its error is returned. fn must not touch m.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, error)) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[key]
	v, err := fn(old, ok)
	if err != nil {
		return err
	}
	s.m[key] = v
	return nil
}

// DeleteIf removes every entry for which fn returns true and reports how
// many were removed. Shards are locked one at a time. fn must not touch m.
func (m *Map[V]) DeleteIf(fn func(key string, v V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.m {
			if fn(k, v) {
				delete(s.m, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for each entry until fn returns false. Each shard is
// snapshotted before fn runs, so fn may call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	type entry struct {
		key string
		v   V
	}
	for _, s := range m.shards {
		s.mu.RLock()
		entries := make([]entry, 0, len(s.m))
		for k, v := range s.m {
			entries = append(entries, entry{k, v})
		}
		s.mu.RUnlock()

		for _, e := range entries {
			if !fn(e.key, e.v) {
				return
			}
		}
	}
}

// Keys returns all keys in ascending order.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}
