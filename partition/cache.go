package partition

import (
	"context"
	"sync"

	"github.com/kavadb/replica/storage"
)

// PropertiesCache is the per-batch `ns → {isCapped, collator}` map spec §3
// names, fetched lazily under a shared lock and reused for the rest of one
// batch's partitioning pass. Grounded directly on sync_tail.cpp's
// CachedCollectionProperties, which the Partitioner owns one instance of per
// multiApply call.
type PropertiesCache struct {
	fetcher storage.CollectionPropertiesFetcher

	mu    sync.Mutex
	byNS  map[string]storage.CollectionProperties
}

func NewPropertiesCache(fetcher storage.CollectionPropertiesFetcher) *PropertiesCache {
	return &PropertiesCache{
		fetcher: fetcher,
		byNS:    make(map[string]storage.CollectionProperties),
	}
}

func (c *PropertiesCache) Get(ctx context.Context, ns string) (storage.CollectionProperties, error) {
	c.mu.Lock()
	if props, ok := c.byNS[ns]; ok {
		c.mu.Unlock()
		return props, nil
	}
	c.mu.Unlock()

	props, err := c.fetcher.GetCollectionProperties(ctx, ns)
	if err != nil {
		return storage.CollectionProperties{}, err
	}

	c.mu.Lock()
	c.byNS[ns] = props
	c.mu.Unlock()
	return props, nil
}
