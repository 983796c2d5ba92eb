package cache

import (
	"context"
	"time"

	"roadside-backend/internal/models"
)

// CacheManager defines the interface for profile caching
type CacheManager interface {
	// A miss returns (nil, nil).
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	SetProfile(ctx context.Context, profile models.Profile, ttl time.Duration) error
	InvalidateProfile(ctx context.Context, userID string) error

	GetCacheStats(ctx context.Context) CacheStats
}

// CacheStats provides cache performance metrics
type CacheStats struct {
	HitRate       float64 `json:"hitRate"`
	MissRate      float64 `json:"missRate"`
	MemoryUsage   int64   `json:"memoryUsage"`
	KeyCount      int     `json:"keyCount"`
	EvictionCount int     `json:"evictionCount"`
	TotalHits     int64   `json:"totalHits"`
	TotalMisses   int64   `json:"totalMisses"`
}
