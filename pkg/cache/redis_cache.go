package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"roadside-backend/internal/models"
	"roadside-backend/pkg/logger"
	"roadside-backend/pkg/redis"

	redisClient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCacheManager implements CacheManager using Redis
type RedisCacheManager struct {
	client *redis.Client
	config CacheConfig
	stats  *cacheStats
	log    zerolog.Logger
}

type cacheStats struct {
	mu            sync.RWMutex
	totalHits     int64
	totalMisses   int64
	evictionCount int64
}

// cachedProfile keeps the role discriminator next to the concrete profile.
type cachedProfile struct {
	Role     models.Role             `json:"role"`
	Driver   *models.DriverProfile   `json:"driver,omitempty"`
	Mechanic *models.MechanicProfile `json:"mechanic,omitempty"`
}

func NewRedisCacheManager(redisClient *redis.Client, config CacheConfig) *RedisCacheManager {
	return &RedisCacheManager{
		client: redisClient,
		config: config,
		stats:  &cacheStats{},
		log:    logger.New("cache"),
	}
}

func (r *RedisCacheManager) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var cp cachedProfile
	found, err := r.get(ctx, r.buildKey("profile", userID), &cp)
	if err != nil || !found {
		return nil, err
	}

	switch {
	case cp.Role == models.RoleDriver && cp.Driver != nil:
		return cp.Driver, nil
	case cp.Role == models.RoleMechanic && cp.Mechanic != nil:
		return cp.Mechanic, nil
	}
	return nil, fmt.Errorf("cached profile %s has unusable role %q", userID, cp.Role)
}

// SetProfile stores a profile tagged by user.
func (r *RedisCacheManager) SetProfile(ctx context.Context, profile models.Profile, ttl time.Duration) error {
	base := profile.Base()
	cp := cachedProfile{Role: base.Role}
	switch p := profile.(type) {
	case *models.DriverProfile:
		cp.Driver = p
	case *models.MechanicProfile:
		cp.Mechanic = p
	default:
		return fmt.Errorf("unsupported profile type %T", profile)
	}

	if ttl <= 0 {
		ttl = r.config.ProfileTTL
	}
	key := r.buildKey("profile", base.UserID)
	if err := r.put(ctx, key, cp, ttl); err != nil {
		return fmt.Errorf("failed to set profile in cache: %w", err)
	}

	if err := r.tagKey(ctx, key, "user:"+base.UserID); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to tag cache key")
	}
	return nil
}

// InvalidateProfile drops every key tagged with the user.
func (r *RedisCacheManager) InvalidateProfile(ctx context.Context, userID string) error {
	return r.invalidateByTag(ctx, "user:"+userID)
}

// tagKey associates tags with a full cache key.
func (r *RedisCacheManager) tagKey(ctx context.Context, key string, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	pipe := r.client.GetClient().Pipeline()

	keyTagsKey := r.buildTagKey("key_tags", key)
	members := make([]interface{}, len(tags))
	for i, t := range tags {
		members[i] = t
	}
	pipe.SAdd(ctx, keyTagsKey, members...)
	pipe.Expire(ctx, keyTagsKey, r.config.TagTTL)

	for _, tag := range tags {
		tagKeysKey := r.buildTagKey("tag_keys", tag)
		pipe.SAdd(ctx, tagKeysKey, key)
		pipe.Expire(ctx, tagKeysKey, r.config.TagTTL)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// invalidateByTag removes all keys associated with a tag
func (r *RedisCacheManager) invalidateByTag(ctx context.Context, tag string) error {
	tagKeysKey := r.buildTagKey("tag_keys", tag)

	keys, err := r.client.GetClient().SMembers(ctx, tagKeysKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get keys for tag %s: %w", tag, err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := r.client.GetClient().Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
		pipe.Del(ctx, r.buildTagKey("key_tags", key))
	}
	pipe.Del(ctx, tagKeysKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate keys for tag %s: %w", tag, err)
	}

	r.stats.mu.Lock()
	r.stats.evictionCount += int64(len(keys))
	r.stats.mu.Unlock()
	return nil
}

// GetCacheStats returns cache performance statistics
func (r *RedisCacheManager) GetCacheStats(ctx context.Context) CacheStats {
	r.stats.mu.RLock()
	totalHits := r.stats.totalHits
	totalMisses := r.stats.totalMisses
	evictionCount := r.stats.evictionCount
	r.stats.mu.RUnlock()

	total := totalHits + totalMisses
	var hitRate, missRate float64
	if total > 0 {
		hitRate = float64(totalHits) / float64(total)
		missRate = float64(totalMisses) / float64(total)
	}

	var memoryUsage int64
	if info, err := r.client.GetClient().Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:"); ok {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					memoryUsage = n
				}
			}
		}
	}

	keyCount := 0
	iter := r.client.GetClient().Scan(ctx, 0, r.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keyCount++
	}

	return CacheStats{
		HitRate:       hitRate,
		MissRate:      missRate,
		MemoryUsage:   memoryUsage,
		KeyCount:      keyCount,
		EvictionCount: int(evictionCount),
		TotalHits:     totalHits,
		TotalMisses:   totalMisses,
	}
}

// Helper methods

func (r *RedisCacheManager) get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := r.client.GetClient().Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redisClient.Nil) {
			r.recordMiss()
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	r.recordHit()
	return true, nil
}

func (r *RedisCacheManager) put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.client.GetClient().Set(ctx, key, data, ttl).Err()
}

func (r *RedisCacheManager) buildKey(keyType, identifier string) string {
	return fmt.Sprintf("%s%s:%s", r.config.KeyPrefix, keyType, identifier)
}

func (r *RedisCacheManager) buildTagKey(keyType, identifier string) string {
	return fmt.Sprintf("%s%s:%s", r.config.TagPrefix, keyType, identifier)
}

func (r *RedisCacheManager) recordHit() {
	r.stats.mu.Lock()
	r.stats.totalHits++
	r.stats.mu.Unlock()
}

func (r *RedisCacheManager) recordMiss() {
	r.stats.mu.Lock()
	r.stats.totalMisses++
	r.stats.mu.Unlock()
}
