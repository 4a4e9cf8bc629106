package history

import "sync"

// StatusCache holds the latest known status of each record id for the lifetime of the process.
// Entries are last-writer-wins and never expire.
type StatusCache struct {
	mut      sync.RWMutex
	statuses map[string]Status
}

func NewStatusCache() *StatusCache {
	return &StatusCache{statuses: map[string]Status{}}
}

func (c *StatusCache) Get(id string) (Status, bool) {
	c.mut.RLock()
	defer c.mut.RUnlock()
	s, ok := c.statuses[id]
	return s, ok
}

func (c *StatusCache) Set(id string, s Status) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.statuses[id] = s
}

func (c *StatusCache) Delete(id string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.statuses, id)
}

func (c *StatusCache) Len() int {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return len(c.statuses)
}
