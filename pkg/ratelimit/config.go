package ratelimit

import (
	"net/http"
	"time"
)

// Endpoint categories.
const (
	CategoryAlertCreate = "alerts_create"
	CategoryAlertAccept = "alerts_accept"
	CategoryAlertWrite  = "alerts_write"
	CategoryAlertRead   = "alerts_read"
	CategoryVerifySend  = "verification_send"
	CategoryVerifyCheck = "verification_verify"
	CategoryDefault     = "default"
)

type Config struct {
	Limits         map[string]RateLimit `json:"limits"`
	RedisKeyPrefix string               `json:"redisKeyPrefix"`
	Enabled        bool                 `json:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		Limits: map[string]RateLimit{
			// A driver raising alerts in a loop is a bug or abuse.
			CategoryAlertCreate: {BurstSize: 5, WindowSize: time.Minute},
			CategoryAlertAccept: {BurstSize: 30, WindowSize: time.Minute},
			CategoryAlertWrite:  {BurstSize: 30, WindowSize: time.Minute},
			CategoryAlertRead:   {BurstSize: 200, WindowSize: time.Minute},

			CategoryVerifySend:  {BurstSize: 3, WindowSize: 10 * time.Minute},
			CategoryVerifyCheck: {BurstSize: 10, WindowSize: 10 * time.Minute},

			CategoryDefault: {BurstSize: 60, WindowSize: time.Minute},
		},
		RedisKeyPrefix: "ratelimit:",
		Enabled:        true,
	}
}

// LimitFor returns the limit of a category, falling back to the default.
func (c *Config) LimitFor(category string) RateLimit {
	if l, ok := c.Limits[category]; ok {
		return l
	}
	if l, ok := c.Limits[CategoryDefault]; ok {
		return l
	}
	return RateLimit{BurstSize: 60, WindowSize: time.Minute}
}

var routeCategories = []struct {
	method, route, category string
}{
	{http.MethodPost, "/api/v1/alerts", CategoryAlertCreate},
	{http.MethodPost, "/api/v1/alerts/accept", CategoryAlertAccept},
	{http.MethodPost, "/api/v1/alerts/complete", CategoryAlertWrite},
	{http.MethodPost, "/api/v1/alerts/:id/cancel", CategoryAlertWrite},
	{http.MethodPost, "/api/v1/alerts/:id/communication/retry", CategoryAlertWrite},
	{http.MethodPost, "/api/v1/alerts/:id/billing/retry", CategoryAlertWrite},
	{http.MethodGet, "/api/v1/alerts", CategoryAlertRead},
	{http.MethodGet, "/api/v1/alerts/active", CategoryAlertRead},
	{http.MethodGet, "/api/v1/alerts/status/:id", CategoryAlertRead},
	{http.MethodGet, "/api/v1/alerts/:id", CategoryAlertRead},
	{http.MethodGet, "/api/v1/alerts/:id/active", CategoryAlertRead},
	{http.MethodPost, "/api/v1/verification/codes", CategoryVerifySend},
	{http.MethodPost, "/api/v1/verification/verify", CategoryVerifyCheck},
}

// CategoryFor maps a method and gin route template to a category.
func CategoryFor(method, route string) string {
	for _, rc := range routeCategories {
		if rc.method == method && rc.route == route {
			return rc.category
		}
	}
	return CategoryDefault
}
