package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheEntry is the advisory flag kept per product. It is only ever used
// to render a provisional state until the repository has been read.
type CacheEntry struct {
	ProductID    string     `json:"product_id"`
	Purchased    bool       `json:"purchased"`
	PurchaseDate time.Time  `json:"purchase_date"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func entryFor(rec Record) CacheEntry {
	return CacheEntry{
		ProductID:    rec.ProductID,
		Purchased:    !rec.Revoked,
		PurchaseDate: rec.PurchasedAt,
		ExpiresAt:    cloneTime(rec.ExpiresAt),
	}
}

func (e CacheEntry) record() Record {
	return Record{
		ProductID:   e.ProductID,
		PurchasedAt: e.PurchaseDate,
		ExpiresAt:   cloneTime(e.ExpiresAt),
		Revoked:     !e.Purchased,
	}
}

// Cache is a best-effort key-value mirror of the records.
type Cache interface {
	Save(ctx context.Context, entry CacheEntry) error
	Load(ctx context.Context) ([]CacheEntry, error)
}

// MemoryCache keeps entries in process.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry)}
}

func (c *MemoryCache) Save(_ context.Context, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.ProductID] = entry
	return nil
}

func (c *MemoryCache) Load(context.Context) ([]CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b CacheEntry) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out, nil
}

// entitlements:{subject} -> hash of product id to JSON entry
const keyEntitlements = "entitlekit:entitlements:%s"

// DefaultCacheTTL is how long the advisory hash survives without writes.
var DefaultCacheTTL = 90 * 24 * time.Hour

// RedisCache stores entries in one hash per subject.
type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisCache panics on a nil client or empty subject. A non-positive ttl
// uses DefaultCacheTTL.
func NewRedisCache(client redis.UniversalClient, subject string, ttl time.Duration) *RedisCache {
	if client == nil {
		panic("entitlement: redis client is required")
	}
	if subject == "" {
		panic("entitlement: subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, key: fmt.Sprintf(keyEntitlements, subject), ttl: ttl}
}

func (c *RedisCache) Save(ctx context.Context, entry CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Join(ErrCache, err)
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key, entry.ProductID, raw)
	pipe.Expire(ctx, c.key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrCache, err)
	}
	return nil
}

func (c *RedisCache) Load(ctx context.Context) ([]CacheEntry, error) {
	fields, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, errors.Join(ErrCache, err)
	}
	out := make([]CacheEntry, 0, len(fields))
	for productID, raw := range fields {
		var e CacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, errors.Join(ErrCache, fmt.Errorf("entry %q: %w", productID, err))
		}
		e.ProductID = productID
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b CacheEntry) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out, nil
}
