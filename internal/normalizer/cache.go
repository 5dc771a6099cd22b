package normalizer

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// MappingCache is a bounded LRU in front of the mapping store, keyed by the
// exact (tenant, project, source_id, address) lookup tuple. A miss coalesces
// concurrent callers for the same key onto a single store.Lookup via
// singleflight, so a cold cache under load doesn't stampede Postgres.
//
// Coarse invalidation is supported through Bump, which drops every cached
// entry for a (tenant, project) pair. The mapping CRUD surface calls this
// after any create/update/delete so stale mappings don't linger for the
// cache's lifetime.
type MappingCache struct {
	cache *lru.Cache[string, domain.PointMapping]
	group singleflight.Group

	mu   sync.Mutex
	keys map[string]map[string]struct{} // (tenant|project) -> set of cache keys
}

// NewMappingCache builds a MappingCache holding up to size entries.
func NewMappingCache(size int) (*MappingCache, error) {
	c, err := lru.New[string, domain.PointMapping](size)
	if err != nil {
		return nil, err
	}
	return &MappingCache{cache: c, keys: make(map[string]map[string]struct{})}, nil
}

func cacheKey(tenant, project, sourceID, address string) string {
	return tenant + "|" + project + "|" + sourceID + "|" + address
}

func bumpKey(tenant, project string) string { return tenant + "|" + project }

// Get returns the cached mapping for the lookup tuple, calling load on a
// miss. Concurrent misses for the same tuple share one load call.
func (c *MappingCache) Get(ctx context.Context, tc tenantctx.TenantContext, project, sourceID, address string, load func() (domain.PointMapping, error)) (domain.PointMapping, error) {
	key := cacheKey(tc.TenantID, project, sourceID, address)
	if m, ok := c.cache.Get(key); ok {
		return m, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		m, err := load()
		if err != nil {
			return domain.PointMapping{}, err
		}
		c.cache.Add(key, m)
		c.track(bumpKey(tc.TenantID, project), key)
		return m, nil
	})
	if err != nil {
		return domain.PointMapping{}, err
	}
	return v.(domain.PointMapping), nil
}

func (c *MappingCache) track(bk, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.keys[bk]
	if !ok {
		set = make(map[string]struct{})
		c.keys[bk] = set
	}
	set[key] = struct{}{}
}

// Bump evicts every cached mapping for a (tenant, project), forcing the next
// lookup for each of its points back to the store. Used by the mapping admin
// surface after any mapping write.
func (c *MappingCache) Bump(tenant, project string) {
	bk := bumpKey(tenant, project)
	c.mu.Lock()
	set := c.keys[bk]
	delete(c.keys, bk)
	c.mu.Unlock()

	for key := range set {
		c.cache.Remove(key)
	}
}
