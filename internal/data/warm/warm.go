// Package warm mirrors the current opportunity list into Redis so a
// restarted process can serve results before its first analysis completes.
// The mirror is best-effort: every failure degrades to the disk store.
package warm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/metrics"
)

const defaultPrefix = "skinarb"

// Cache is the optional Redis warm tier.
type Cache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	metrics *metrics.Registry
}

// New dials Redis and verifies the connection. ttl bounds how long mirrored
// data outlives the process; pass twice the full-analysis interval so a
// stalled monitor cannot serve stale prices forever.
func New(addr, password string, db int, prefix string, ttl time.Duration, m *metrics.Registry) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, prefix, ttl, m), nil
}

// NewWithClient wraps an existing client. Used by tests with redismock.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration, m *metrics.Registry) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl, metrics: m}
}

func (c *Cache) opportunitiesKey() string { return c.prefix + ":opportunities" }
func (c *Cache) statusKey() string        { return c.prefix + ":status" }

// StoreOpportunities mirrors the published list.
func (c *Cache) StoreOpportunities(ctx context.Context, list *domain.OpportunityList) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal opportunities: %w", err)
	}
	if err := c.client.Set(ctx, c.opportunitiesKey(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Opportunities retrieves the mirrored list. A missing key is a miss, not an
// error.
func (c *Cache) Opportunities(ctx context.Context) (*domain.OpportunityList, bool, error) {
	data, err := c.client.Get(ctx, c.opportunitiesKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.RecordCacheMiss(metrics.CacheWarm)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var list domain.OpportunityList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false, fmt.Errorf("unmarshal opportunities: %w", err)
	}

	c.metrics.RecordCacheHit(metrics.CacheWarm)
	return &list, true, nil
}

// StoreStatus mirrors a status snapshot for sibling processes.
func (c *Cache) StoreStatus(ctx context.Context, status interface{}) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := c.client.Set(ctx, c.statusKey(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping tests connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
