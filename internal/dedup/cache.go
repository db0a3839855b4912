// Package dedup rejects replayed webhook events.
package dedup

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

const DefaultCapacity = 5000

// Cache is a bounded, recency-ordered set of recently seen event identifiers.
// It is safe for concurrent use.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, struct{}]
}

func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("dedup: capacity must be positive, got %d", capacity)
	}
	l, err := simplelru.NewLRU[string, struct{}](capacity, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dedup: init lru")
	}
	return &Cache{lru: l}, nil
}

// Admit reports whether id has not been seen while resident in the cache.
// An empty id is always admitted and never remembered.
func (c *Cache) Admit(_ context.Context, id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(id); ok {
		return false
	}
	c.lru.Add(id, struct{}{})
	return true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns resident identifiers from least to most recently touched.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}
