package cache

import (
	"roadside-backend/pkg/redis"
)

// NewCacheManager creates a new cache manager with the specified Redis client and configuration
func NewCacheManager(redisClient *redis.Client, config CacheConfig) CacheManager {
	return NewRedisCacheManager(redisClient, config)
}
