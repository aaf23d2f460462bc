package identity

import "sync"

// Cache memoizes feedback-id → decrypted identity for the process lifetime,
// so replying twice to the same thread decrypts at most once. It is a pure
// performance layer: it is never consulted for consent or stored ciphertext,
// and a cold cache only costs latency, never correctness. Entries are
// append-only per key; racing writers storing the same value is harmless.
//
// The cache is unbounded on purpose: feedback is low-rate human traffic.
type Cache struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewCache returns an empty correlation cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]string)}
}

// Get returns the memoized raw identity for feedbackID, if present.
func (c *Cache) Get(feedbackID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[feedbackID]
	return v, ok
}

// Put memoizes the raw identity decrypted for feedbackID.
func (c *Cache) Put(feedbackID, rawIdentity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[feedbackID] = rawIdentity
}

// Len reports the number of memoized entries (used by tests and diagnostics).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
