package workspace

import "sync"

// FileCache is a bounded LRU of normalized path → content. It is owned
// by one session's tools instance and discarded with it.
type FileCache struct {
	mu         sync.Mutex
	entries    map[string]string
	order      []string // least recently used first
	maxEntries int
}

// NewFileCache creates a cache holding at most maxEntries files.
func NewFileCache(maxEntries int) *FileCache {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	return &FileCache{
		entries:    make(map[string]string),
		maxEntries: maxEntries,
	}
}

// Get returns the cached content and whether it was present. A hit
// marks the entry as recently used.
func (c *FileCache) Get(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.entries[path]
	if ok {
		c.touch(path)
	}
	return content, ok
}

// Set stores content, evicting the least recently used entries at
// capacity. Updating an existing entry never evicts.
func (c *FileCache) Set(path, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[path]; !exists {
		for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[path] = content
	c.touch(path)
}

// Invalidate drops an entry, used after a failed write-through.
func (c *FileCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
	for i, p := range c.order {
		if p == path {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Clear empties the cache.
func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
	c.order = nil
}

// Len reports the number of cached entries.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *FileCache) touch(path string) {
	for i, p := range c.order {
		if p == path {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, path)
}
