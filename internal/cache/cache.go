// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import "sync"

// entry is one key's value. done is closed once create has returned.
type entry[V any] struct {
	done chan struct{}
	v    V
	err  error
}

// Cache maps keys to values that are created once and owned by the cache
// until Drain. Creation runs outside the cache lock under a per-key guard:
// concurrent callers for one key wait for a single create, callers for
// other keys are not blocked.
//
// Cache is safe for concurrent use.
// Cache must not be copied after creation (has mutex).
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	order   []K
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*entry[V]),
	}
}

// GetOrCreate returns the cached value for key or stores the result of
// create. A failed create stores nothing: callers already waiting on it get
// its error and the next call retries.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.done
		return e.v, e.err
	}
	e := &entry[V]{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	e.v, e.err = create()

	c.mu.Lock()
	if e.err != nil {
		if c.entries[key] == e {
			delete(c.entries, key)
		}
	} else {
		c.order = append(c.order, key)
	}
	c.mu.Unlock()
	close(e.done)
	return e.v, e.err
}

// Len returns the number of entries in the cache, including ones still
// being created.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Drain removes every created entry, passing each to release in insertion
// order.
func (c *Cache[K, V]) Drain(release func(K, V)) {
	c.mu.Lock()
	entries, order := c.entries, c.order
	c.entries = make(map[K]*entry[V])
	c.order = nil
	c.mu.Unlock()

	for _, k := range order {
		release(k, entries[k].v)
	}
}
