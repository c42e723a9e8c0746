package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Cache is a bounded in-process map with FIFO eviction, safe for concurrent
// use. Keys are content hashes built with KeyFor.
type Cache[V any] struct {
	capacity int
	mu       sync.RWMutex
	m        map[string]V
	ord      []string
}

// NewCache returns nil when capacity <= 0; a nil *Cache never hits and
// ignores Put.
func NewCache[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		return nil
	}
	return &Cache[V]{capacity: capacity, m: make(map[string]V, capacity), ord: make([]string, 0, capacity)}
}

// Get looks up key.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	if !ok {
		return zero, false
	}
	return v, true
}

// Put stores v under key, evicting the oldest entry when full.
func (c *Cache[V]) Put(key string, v V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[key]; exists {
		c.m[key] = v
		return
	}
	if len(c.ord) >= c.capacity {
		old := c.ord[0]
		c.ord = c.ord[1:]
		delete(c.m, old)
	}
	c.m[key] = v
	c.ord = append(c.ord, key)
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// KeyFor hashes the trimmed parts in order. Parts are length-prefixed so
// ("ab","c") and ("a","bc") differ.
func KeyFor(parts ...string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		p = strings.TrimSpace(p)
		n := uint64(len(p))
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
