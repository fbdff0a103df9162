package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"drivescore/internal/telematics"
)

// Cache stores star ratings by key.
type Cache interface {
	Get(ctx context.Context, key string) (stars float64, ok bool, err error)
	Set(ctx context.Context, key string, stars float64, ttl time.Duration) error
}

// Lookuper resolves a rating from the registry.
type Lookuper interface {
	Lookup(ctx context.Context, v telematics.Vehicle) (Rating, error)
}

type ProviderMetrics interface {
	CacheHitInc()
	CacheMissInc()
	LookupInc(source string)
}

// Provider answers rating requests from the cache first and the registry
// second. Fallback ratings are not cached so a later request retries the
// registry.
type Provider struct {
	lookup  Lookuper
	cache   Cache
	ttl     time.Duration
	metrics ProviderMetrics
}

// NewProvider builds a provider; cache and m may be nil.
func NewProvider(lookup Lookuper, cache Cache, ttl time.Duration, m ProviderMetrics) *Provider {
	return &Provider{lookup: lookup, cache: cache, ttl: ttl, metrics: m}
}

func cacheKey(v telematics.Vehicle) string {
	return fmt.Sprintf("vehicle_rating:%d:%s:%s", v.Year,
		strings.ToUpper(strings.TrimSpace(v.Make)), strings.ToUpper(strings.TrimSpace(v.Model)))
}

func (p *Provider) Rating(ctx context.Context, v telematics.Vehicle) (Rating, error) {
	key := cacheKey(v)
	if p.cache != nil {
		stars, ok, err := p.cache.Get(ctx, key)
		switch {
		case err != nil:
			log.Printf("vehicle cache get %s: %v", key, err)
		case ok:
			if p.metrics != nil {
				p.metrics.CacheHitInc()
			}
			return Rating{Stars: stars, Source: SourceCache}, nil
		default:
			if p.metrics != nil {
				p.metrics.CacheMissInc()
			}
		}
	}

	r, err := p.lookup.Lookup(ctx, v)
	if err != nil {
		return Rating{}, err
	}
	if p.metrics != nil {
		p.metrics.LookupInc(r.Source)
	}
	if p.cache != nil && r.Source != SourceFallback {
		if err := p.cache.Set(ctx, key, r.Stars, p.ttl); err != nil {
			log.Printf("vehicle cache set %s: %v", key, err)
		}
	}
	return r, nil
}

// RedisCache keeps ratings in Redis as plain float strings.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects using a redis:// URL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, stars float64, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, stars, ttl).Err()
}

func (c *RedisCache) Close() error { return c.rdb.Close() }
