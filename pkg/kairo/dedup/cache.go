// Package dedup drops inbound messages that a channel delivered more than
// once within a short window.
package dedup

import (
	"sync"
	"time"
)

// DefaultWindow is how long a message id is remembered.
const DefaultWindow = 30 * time.Second

// Cache remembers recently seen message ids. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// New creates a cache remembering ids for window (DefaultWindow if <= 0).
func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// ShouldProcess reports whether the message should be handled. An empty id
// cannot be deduplicated and is always processed. Lookup and insert happen
// under one lock, so of two concurrent calls with the same id exactly one
// returns true.
func (c *Cache) ShouldProcess(messageID string) bool {
	if messageID == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, id)
		}
	}

	if _, ok := c.seen[messageID]; ok {
		return false
	}
	c.seen[messageID] = now
	return true
}

// Len returns the number of remembered ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
