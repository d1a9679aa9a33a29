package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hanko-field/fulfillment/internal/domain"
	"github.com/hanko-field/fulfillment/internal/platform/cache"
)

const defaultCatalogTTL = 10 * time.Minute

// CachedCatalog fronts a Catalog with a TTL cache and collapses concurrent
// lookups of the same id into one upstream call.
type CachedCatalog struct {
	inner  Catalog
	store  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger Logger
}

var _ Catalog = (*CachedCatalog)(nil)

// NewCachedCatalog wraps inner. A non-positive ttl uses ten minutes.
func NewCachedCatalog(inner Catalog, store cache.Cache, ttl time.Duration, logger Logger) (*CachedCatalog, error) {
	if inner == nil {
		return nil, errors.New("payments: catalog is required")
	}
	if store == nil {
		return nil, errors.New("payments: cache is required")
	}
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CachedCatalog{inner: inner, store: store, ttl: ttl, logger: logger}, nil
}

func (c *CachedCatalog) Product(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	return lookup(ctx, c, "catalog:product:"+strings.TrimSpace(productID), func(ctx context.Context) (domain.CatalogProduct, error) {
		return c.inner.Product(ctx, productID)
	})
}

func (c *CachedCatalog) Price(ctx context.Context, priceID string) (domain.CatalogPrice, error) {
	return lookup(ctx, c, "catalog:price:"+strings.TrimSpace(priceID), func(ctx context.Context) (domain.CatalogPrice, error) {
		return c.inner.Price(ctx, priceID)
	})
}

func lookup[T any](ctx context.Context, c *CachedCatalog, key string, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	hit, err := cache.GetJSON(ctx, c.store, key, &cached)
	if err != nil {
		c.logger(ctx, "payments.catalog.cache_read_failed", map[string]any{"key": key, "error": err.Error()})
	}
	if hit {
		return cached, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return fetched, err
		}
		if err := cache.SetJSON(ctx, c.store, key, fetched, c.ttl); err != nil {
			c.logger(ctx, "payments.catalog.cache_write_failed", map[string]any{"key": key, "error": err.Error()})
		}
		return fetched, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value.(T), nil
}
