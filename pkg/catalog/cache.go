package catalog

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/dmitrymomot/entitlekit/pkg/logger"
)

// Tiers holds the currently offered product per tier. Nil means the
// storefront did not return the configured product.
type Tiers struct {
	Monthly  *Product `json:"monthly,omitempty"`
	Yearly   *Product `json:"yearly,omitempty"`
	Lifetime *Product `json:"lifetime,omitempty"`
}

// Cache is the in-memory product catalog. Safe for concurrent use.
type Cache struct {
	source    Source
	offerings Offerings
	log       *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	products []Product
	byID     map[string]Product
	tiers    Tiers
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCache panics when source is nil.
func NewCache(source Source, offerings Offerings, opts ...CacheOption) *Cache {
	if source == nil {
		panic("catalog: source is required")
	}
	c := &Cache{
		source:    source,
		offerings: offerings,
		log:       logger.Discard(),
		byID:      map[string]Product{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh fetches every configured product. On failure the previous
// contents are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	products, err := c.source.Products(ctx, c.offerings.ProductIDs())
	if err != nil {
		return errors.Join(ErrFetchFailed, err)
	}

	sorted := slices.Clone(products)
	slices.SortStableFunc(sorted, func(a, b Product) int {
		if n := a.RawPrice.Cmp(b.RawPrice); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})

	byID := make(map[string]Product, len(sorted))
	for _, p := range sorted {
		byID[p.ID] = p
	}

	offered := c.offerings.Offered
	tiers := Tiers{
		Monthly:  c.resolve(ctx, byID, Monthly, offered.Monthly),
		Yearly:   c.resolve(ctx, byID, Yearly, offered.Yearly),
		Lifetime: c.resolve(ctx, byID, Lifetime, offered.Lifetime),
	}

	c.mu.Lock()
	c.products = sorted
	c.byID = byID
	c.tiers = tiers
	c.loaded = true
	c.mu.Unlock()

	c.log.DebugContext(ctx, "catalog refreshed", slog.Int("products", len(sorted)))
	return nil
}

func (c *Cache) resolve(ctx context.Context, byID map[string]Product, period Period, id string) *Product {
	if id == "" {
		return nil
	}
	p, ok := byID[id]
	if !ok {
		c.log.WarnContext(ctx, "offered product missing from storefront",
			logger.ProductID(id), slog.String("period", string(period)))
		return nil
	}
	return &p
}

// Products returns all products sorted by ascending price.
func (c *Cache) Products() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.products)
}

// Subscriptions returns the auto-renewable products, sorted by price.
func (c *Cache) Subscriptions() []Product {
	return c.filter(func(p Product) bool { return p.IsSubscription() })
}

// OneTime returns the non-consumable products, sorted by price.
func (c *Cache) OneTime() []Product {
	return c.filter(func(p Product) bool { return !p.IsSubscription() })
}

func (c *Cache) filter(keep func(Product) bool) []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Product
	for _, p := range c.products {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// Tiers returns the currently offered product per tier.
func (c *Cache) Tiers() Tiers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tiers
}

// Lookup returns a fetched product by id.
func (c *Cache) Lookup(id string) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return Product{}, ErrNotLoaded
	}
	p, ok := c.byID[id]
	if !ok {
		return Product{}, ErrUnknownProduct
	}
	return p, nil
}

// Offerings returns the configuration the cache was built with.
func (c *Cache) Offerings() Offerings { return c.offerings }
