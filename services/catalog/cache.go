package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_cache_hits_total",
		Help: "License type lookups served from the process cache.",
	})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_cache_miss_total",
		Help: "License type lookups that went to storage.",
	})
)

type cachedLicenseType struct {
	value    *LicenseType
	loadedAt time.Time
}

// Cache keeps license types by id for ttl. Concurrent misses for one id share
// a single load.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cachedLicenseType
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]cachedLicenseType),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *Cache) get(id string) (*LicenseType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	if !ok || (c.ttl > 0 && c.now().Sub(v.loadedAt) > c.ttl) {
		return nil, false
	}
	return v.value, true
}

func (c *Cache) set(id string, v *LicenseType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = cachedLicenseType{value: v, loadedAt: c.now()}
}

func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

// Get returns the cached type or calls load once for all concurrent callers.
// Callers get their own copy of the struct; slices are shared.
func (c *Cache) Get(ctx context.Context, id string, load func(ctx context.Context, id string) (*LicenseType, error)) (*LicenseType, error) {
	if v, ok := c.get(id); ok {
		cacheHits.Inc()
		cp := *v
		return &cp, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(id, func() (any, error) {
		lt, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.set(id, lt)
		return lt, nil
	})
	if err != nil {
		return nil, err
	}

	cp := *v.(*LicenseType)
	return &cp, nil
}
