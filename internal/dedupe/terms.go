// ABOUTME: Per-sender term high-water marks for election message filtering.
// ABOUTME: Stale-term coordination traffic is dropped before it reaches the election.

package dedupe

import "sync"

// TermTracker records the highest election term observed from each sender.
// Coordination envelopes carrying a term below a sender's high-water mark are
// leftovers from an abandoned round and must not influence the current one.
// Heartbeats and app payloads are never filtered by term.
type TermTracker struct {
	mu      sync.Mutex
	highest map[string]uint64
}

// NewTermTracker creates an empty tracker.
func NewTermTracker() *TermTracker {
	return &TermTracker{highest: make(map[string]uint64)}
}

// Observe records the term seen from a sender and reports whether the message
// is current. Returns false when the term is below the sender's high-water
// mark; equal terms pass because a round exchanges several messages at the
// same term.
func (t *TermTracker) Observe(sender string, term uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if term < t.highest[sender] {
		return false
	}
	t.highest[sender] = term
	return true
}

// Highest returns the high-water mark for a sender, zero if never seen.
func (t *TermTracker) Highest(sender string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highest[sender]
}

// Forget drops state for a sender, typically when the peer is removed from
// the registry. A rejoining peer starts over at term zero.
func (t *TermTracker) Forget(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.highest, sender)
}
