package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
)

const generationKey = "presence:cache:gen"

// QueryCache caches aggregate query results until the next poll cycle.
// Entries are namespaced by a generation counter; bumping it hides every
// earlier entry, which then expire on their TTL.
type QueryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewQueryCache connects to Redis and creates a query cache
func NewQueryCache(cfg *config.RedisConfig, logger *slog.Logger) (*QueryCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewQueryCacheWithClient(client, cfg.CacheTTL, logger), nil
}

// NewQueryCacheWithClient creates a query cache on an existing client
func NewQueryCacheWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *QueryCache {
	return &QueryCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *QueryCache) Close() error {
	return c.client.Close()
}

// Ping checks that Redis is reachable
func (c *QueryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// EntryKey returns the Redis key for a query in the current generation.
// Entries written under it after an Invalidate are never read again.
func (c *QueryCache) EntryKey(ctx context.Context, key string) (string, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("reading cache generation: %w", err)
	}
	return fmt.Sprintf("presence:cache:%d:%s", gen, key), nil
}

// Get decodes the cached value at entry into dest. It reports false on a miss.
func (c *QueryCache) Get(ctx context.Context, entry string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, entry).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("getting cache entry: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return true, nil
}

// Set stores value at entry
func (c *QueryCache) Set(ctx context.Context, entry string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	if err := c.client.Set(ctx, entry, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("setting cache entry: %w", err)
	}
	return nil
}

// Invalidate hides every cached entry
func (c *QueryCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("bumping cache generation: %w", err)
	}
	return nil
}

// NotifyCycle invalidates the cache after the ledger changed
func (c *QueryCache) NotifyCycle(ctx context.Context, report *domain.CycleReport) error {
	if err := c.Invalidate(ctx); err != nil {
		return err
	}
	c.logger.Debug("query cache invalidated", "date", domain.FormatDate(report.Date))
	return nil
}
