package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// MaxCacheTTL bounds how stale a cached tool may get.
	MaxCacheTTL = 5 * time.Minute
	cachePrefix = "inspire:tool:"
)

// RedisCache caches resolved tools in redis with a short TTL. Lookup
// failures in redis fall through to the wrapped resolver.
type RedisCache struct {
	next   Resolver
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(next Resolver, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{next: next, rdb: rdb, ttl: ttl, logger: logger.Named("tool-cache")}
}

func (c *RedisCache) ResolveTool(ctx context.Context, toolID string) (ToolConfig, error) {
	key := cachePrefix + toolID
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cfg ToolConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			return cfg, nil
		}
		c.logger.Warn("Dropping undecodable cached tool", zap.String("tool_id", toolID))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Tool cache read failed", zap.String("tool_id", toolID), zap.Error(err))
	}

	cfg, err := c.next.ResolveTool(ctx, toolID)
	if err != nil {
		return ToolConfig{}, err
	}
	if data, err := json.Marshal(cfg); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Tool cache write failed", zap.String("tool_id", toolID), zap.Error(err))
		}
	}
	return cfg, nil
}

// Invalidate drops a cached tool, e.g. after a catalog import.
func (c *RedisCache) Invalidate(ctx context.Context, toolID string) error {
	return c.rdb.Del(ctx, cachePrefix+toolID).Err()
}
