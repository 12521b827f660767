package queue

import (
	"fmt"
	"sort"
	"sync"
)

// Collection holds the queues of a server by name.
type Collection struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{queues: make(map[string]*Queue)}
}

// Add mounts a queue.
func (c *Collection) Add(q *Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[q.Name]; ok {
		return fmt.Errorf("%w: queue %q already exists", ErrInvalidParameter, q.Name)
	}
	c.queues[q.Name] = q
	return nil
}

// Get looks up a queue.
func (c *Collection) Get(name string) (*Queue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// List returns the sorted queue names.
func (c *Collection) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns the queues sorted by name.
func (c *Collection) Queues() []*Queue {
	names := c.List()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Queue, 0, len(names))
	for _, name := range names {
		if q, ok := c.queues[name]; ok {
			out = append(out, q)
		}
	}
	return out
}
