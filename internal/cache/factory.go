package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dpm-go/internal/config"
)

const pingTimeout = 5 * time.Second

// NewCacheFromConfig creates a Cache based on the configuration type.
// Redis keys are prefixed with "dpm:<package>:".
func NewCacheFromConfig(ctx context.Context, cfg config.CacheConfig, packageName string) (Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryCache(), nil
	case "none":
		return NoCache{}, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache requires redis_addr")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisCache(client, KeyPrefix(packageName)), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %q", cfg.Type)
	}
}

// KeyPrefix is the Redis key prefix of a package's cache.
func KeyPrefix(packageName string) string {
	return "dpm:" + packageName + ":"
}
