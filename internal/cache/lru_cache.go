package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shlokie19/invi-ware-nexus/internal/domain"
)

// LRUInsightCache is the in-process cache used when no Redis address is
// configured. The TTL is fixed at construction; the ttl passed to Set is
// ignored.
type LRUInsightCache struct {
	entries *expirable.LRU[string, domain.ItemInsight]
}

func NewLRUInsightCache(size int, ttl time.Duration) *LRUInsightCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUInsightCache{entries: expirable.NewLRU[string, domain.ItemInsight](size, nil, ttl)}
}

func (c *LRUInsightCache) Get(_ context.Context, key string) (*domain.ItemInsight, bool, error) {
	insight, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return &insight, true, nil
}

func (c *LRUInsightCache) Set(_ context.Context, key string, value *domain.ItemInsight, _ time.Duration) error {
	if value == nil {
		return nil
	}
	c.entries.Add(key, *value)
	return nil
}

func (c *LRUInsightCache) Len() int {
	return c.entries.Len()
}
