// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import "sync"

// DefaultCacheSize bounds the in-memory event history.
const DefaultCacheSize = 200

// Cache is a fixed-size ring of recent events. When full, the oldest
// entry is evicted.
type Cache struct {
	mu   sync.Mutex
	buf  []Event
	size int
}

// NewCache returns a ring holding at most size events. A non-positive
// size falls back to DefaultCacheSize.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{size: size}
}

// Add appends an event, evicting the oldest when the ring is full.
func (c *Cache) Add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, ev)
	if len(c.buf) > c.size {
		c.buf = c.buf[len(c.buf)-c.size:]
	}
}

// Recent returns up to limit events, most recent first. When types are
// given, only events of those types are considered. limit <= 0 means
// no limit.
func (c *Cache) Recent(limit int, types ...Type) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := func(Type) bool { return true }
	if len(types) > 0 {
		set := make(map[Type]struct{}, len(types))
		for _, t := range types {
			set[t] = struct{}{}
		}
		want = func(t Type) bool { _, ok := set[t]; return ok }
	}

	out := make([]Event, 0, len(c.buf))
	for i := len(c.buf) - 1; i >= 0; i-- {
		if !want(c.buf[i].Type) {
			continue
		}
		out = append(out, c.buf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len reports the number of cached events.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
