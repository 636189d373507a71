// ABOUTME: Thread-safe TTL cache for suppressing duplicate mesh envelopes.
// ABOUTME: Covers the window where a peer pair briefly holds two live links.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/2389/coven-mesh/internal/wire"
)

// cacheEntry stores the timestamp and list element for a cached fingerprint.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited record of envelope
// fingerprints. While duplicate-link resolution is in flight a peer pair can
// hold two live connections, so the same envelope may arrive twice; the cache
// lets the registry deliver it once. Uses a doubly-linked list to maintain
// insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // fingerprints in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Fingerprint derives the cache key for an envelope. Sender, kind, term,
// timestamp, and the payload bytes all participate, so two distinct
// app_payload envelopes with equal payloads sent at different instants are
// not conflated.
func Fingerprint(env *wire.Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.Sender))
	h.Write([]byte{0})
	h.Write([]byte(env.Kind))
	h.Write([]byte{0})
	var term [8]byte
	for i := 0; i < 8; i++ {
		term[i] = byte(env.Term >> (8 * (7 - i)))
	}
	h.Write(term[:])
	h.Write([]byte(env.SentAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(env.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Seen atomically checks whether an envelope has been delivered before and
// records it if not. Returns true for a duplicate that should be dropped.
func (c *Cache) Seen(env *wire.Envelope) bool {
	return c.CheckAndMark(Fingerprint(env))
}

// CheckAndMark atomically checks if a fingerprint has been seen and marks it
// if not. Returns true if it was already seen (duplicate), false if it's new
// and now marked. Atomicity prevents TOCTOU races between the two inbound
// reader goroutines of a doubled link.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Check returns true if the fingerprint has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
