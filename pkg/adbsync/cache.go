package adbsync

import "sync"

// cacheKey identifies one (device, remote path) push target.
type cacheKey struct {
	fingerprint string
	remotePath  string
}

// Cache remembers the content hash of the last confirmed-complete push to a
// given device/remote-path pair, letting Push skip network I/O entirely when
// the local file is unchanged.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]uint64
}

// NewCache creates an empty push de-dup cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]uint64)}
}

// Unchanged reports whether hash matches the last confirmed push to this
// (fingerprint, remotePath) pair.
func (c *Cache) Unchanged(fingerprint, remotePath string, hash uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.entries[cacheKey{fingerprint, remotePath}]
	return ok && got == hash
}

// Record stores hash as the last confirmed push for this (fingerprint,
// remotePath) pair. Only call after a push is known to have completed.
func (c *Cache) Record(fingerprint, remotePath string, hash uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{fingerprint, remotePath}] = hash
}
