package ancs

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// DefaultAppNameCacheSize bounds the number of remembered app names
const DefaultAppNameCacheSize = 256

// AppNameCache maps app identifiers to display names and parks
// notifications whose app name is still being looked up. A parked
// notification sits in exactly one bucket until Resolve hands it out once.
type AppNameCache struct {
	mu      sync.Mutex
	names   *lru.Cache
	pending map[string][]*Notification
}

// NewAppNameCache creates a cache holding up to size names (0 = default)
func NewAppNameCache(size int) *AppNameCache {
	if size <= 0 {
		size = DefaultAppNameCacheSize
	}
	return &AppNameCache{
		names:   lru.New(size),
		pending: make(map[string][]*Notification),
	}
}

// Name returns the cached display name for appID
func (c *AppNameCache) Name(appID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nameLocked(appID)
}

func (c *AppNameCache) nameLocked(appID string) (string, bool) {
	v, ok := c.names.Get(appID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// NameOrPark returns the cached name for appID or, when there is none,
// parks n in appID's bucket. The check and the park are atomic with Resolve.
func (c *AppNameCache) NameOrPark(appID string, n *Notification) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.nameLocked(appID); ok {
		return name, true
	}
	c.pending[appID] = append(c.pending[appID], n)
	return "", false
}

// Resolve records name for appID and returns, once, every notification
// parked for it.
func (c *AppNameCache) Resolve(appID, name string) []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names.Add(appID, name)
	parked := c.pending[appID]
	delete(c.pending, appID)
	return parked
}

// Pending returns the number of notifications parked for appID
func (c *AppNameCache) Pending(appID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[appID])
}

// DropPending forgets every parked notification (their link is gone)
func (c *AppNameCache) DropPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.pending {
		n += len(b)
	}
	c.pending = make(map[string][]*Notification)
	return n
}
