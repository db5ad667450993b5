// Package catalog reads menu items. The menu is owned elsewhere; this
// package only serves lookups, optionally through the cache.
package catalog

import (
	"context"

	"github.com/fjod/tableorder/internal/cache"
	"github.com/fjod/tableorder/internal/domain"
)

type Catalog interface {
	GetMenuItem(ctx context.Context, id int64) (domain.MenuItem, error)
}

// CachedCatalog serves menu items through the cache layer. Not-found
// results are never cached.
type CachedCatalog struct {
	next  Catalog
	cache *cache.Layer
}

func NewCachedCatalog(next Catalog, layer *cache.Layer) *CachedCatalog {
	return &CachedCatalog{next: next, cache: layer}
}

func (c *CachedCatalog) GetMenuItem(ctx context.Context, id int64) (domain.MenuItem, error) {
	return cache.Read(ctx, c.cache, cache.MenuKey(id), func(ctx context.Context) (domain.MenuItem, error) {
		return c.next.GetMenuItem(ctx, id)
	})
}

// Evict drops the cached copy of a menu item after a catalog change.
func (c *CachedCatalog) Evict(ctx context.Context, ids ...int64) {
	keys := make([]cache.Key, len(ids))
	for i, id := range ids {
		keys[i] = cache.MenuKey(id)
	}
	c.cache.Invalidate(ctx, keys...)
}
