package ratelimit

import (
	"context"
	"time"
)

// RateLimiter decides whether a client may call an endpoint category now.
type RateLimiter interface {
	// Allow reports whether the request may proceed and, if not, how long
	// until the window resets.
	Allow(ctx context.Context, clientID, category string) (bool, time.Duration, error)
	LimitFor(category string) RateLimit
	GetStats() RateLimiterStats
}

// RateLimit allows BurstSize requests per WindowSize.
type RateLimit struct {
	BurstSize  int           `json:"burstSize"`
	WindowSize time.Duration `json:"windowSize"`
}

type RateLimiterStats struct {
	TotalRequests   int64 `json:"totalRequests"`
	BlockedRequests int64 `json:"blockedRequests"`
	LimiterErrors   int64 `json:"limiterErrors"`
}
