package media

import "sync"

// Item is one decrypted, displayable media payload.
type Item struct {
	Data     []byte
	MimeType string
}

// Cache holds recently decrypted media so re-rendering a conversation does
// not refetch and re-decrypt every blob. It is bounded: when full, the oldest
// entry is evicted first and its release hook invoked so any transient
// display handle derived from the bytes can be revoked. The cache belongs to
// one session and is purged on logout.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   []string
	entries map[string]cacheEntry
}

type cacheEntry struct {
	item    Item
	release func()
}

// NewCache builds a cache bounded to max entries. max below 1 falls back to a
// small default.
func NewCache(max int) *Cache {
	if max < 1 {
		max = 64
	}
	return &Cache{
		max:     max,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached item for a message id.
func (c *Cache) Get(messageID string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[messageID]
	return entry.item, ok
}

// Add stores a decrypted item, evicting the oldest entry when the cache is
// full. release may be nil; when set it runs on eviction and on Purge.
func (c *Cache) Add(messageID string, item Item, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[messageID]; ok {
		// Re-adding refreshes the payload but keeps the original position.
		old := c.entries[messageID]
		c.entries[messageID] = cacheEntry{item: item, release: release}
		if old.release != nil {
			old.release()
		}
		return
	}

	c.entries[messageID] = cacheEntry{item: item, release: release}
	c.order = append(c.order, messageID)

	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		if entry, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			if entry.release != nil {
				entry.release()
			}
		}
	}
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry, running release hooks.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		delete(c.entries, id)
		if entry.release != nil {
			entry.release()
		}
	}
	c.order = nil
}
