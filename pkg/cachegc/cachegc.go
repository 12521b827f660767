// Package cachegc is a size- and age-bounded memo on top of an LRU.
package cachegc

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// Cache is an LRU whose entries also expire after TTL.
//
// Cache is safe for concurrent use.
type Cache struct {
	TTL time.Duration
	Now func() time.Time

	mu  sync.Mutex
	lru simplelru.LRUCache
}

type cacheEntry struct {
	data        interface{}
	lastUpdated time.Time
}

// NewCache creates a cache holding up to size entries for at most ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	lru, err := simplelru.NewLRU(size, nil)
	if err != nil {
		panic("cachegc: " + err.Error())
	}
	return &Cache{lru: lru, TTL: ttl, Now: time.Now}
}

// Add inserts or refreshes an entry.
func (c *Cache) Add(key, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, &cacheEntry{data: value, lastUpdated: c.Now()})
	c.expire()
}

// Get returns an item in the cache, ignoring expired items.
func (c *Cache) Get(key interface{}) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entryI, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if c.Now().Sub(entry.lastUpdated) > c.TTL {
		c.lru.Remove(key)
		c.expire()
		return nil, false
	}
	return entry.data, true
}

// Contains checks for a live entry without touching its recency.
func (c *Cache) Contains(key interface{}) bool {
	_, ok := c.Get(key)
	return ok
}

// Remove deletes an entry.
func (c *Cache) Remove(key interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	return c.lru.Len()
}

// expire drops entries older than TTL, oldest first.
// Entries are ordered by insertion, so the scan stops at the first live one.
func (c *Cache) expire() {
	now := c.Now()
	for {
		key, entryI, ok := c.lru.GetOldest()
		if !ok {
			return
		}
		if now.Sub(entryI.(*cacheEntry).lastUpdated) <= c.TTL {
			return
		}
		c.lru.Remove(key)
	}
}
