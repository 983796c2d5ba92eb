package cache

import "time"

// CacheConfig holds configuration for cache TTL values and key layout
type CacheConfig struct {
	ProfileTTL time.Duration `json:"profileTTL"` // used when callers pass zero
	TagTTL     time.Duration `json:"tagTTL"`     // tag sets outlive the data they index
	KeyPrefix  string        `json:"keyPrefix"`
	TagPrefix  string        `json:"tagPrefix"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ProfileTTL: time.Minute,
		TagTTL:     5 * time.Minute,
		KeyPrefix:  "roadside:",
		TagPrefix:  "roadside-tag:",
	}
}
