package clients

import (
	"context"
	"errors"
	"time"

	"roadside-backend/internal/models"
	"roadside-backend/pkg/cache"

	"github.com/rs/zerolog"
)

// ProfileSource is the uncached directory the cache reads through to.
type ProfileSource interface {
	ListMechanics(ctx context.Context) ([]models.MechanicSnapshot, error)
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
}

// CachedDirectory serves profiles from Redis, reading through to the user
// service on a miss. Mechanic listings are never cached.
type CachedDirectory struct {
	source ProfileSource
	cache  cache.CacheManager
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedDirectory(source ProfileSource, cm cache.CacheManager, ttl time.Duration, log zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{source: source, cache: cm, ttl: ttl, log: log}
}

func (d *CachedDirectory) ListMechanics(ctx context.Context) ([]models.MechanicSnapshot, error) {
	return d.source.ListMechanics(ctx)
}

func (d *CachedDirectory) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	if p, err := d.cache.GetProfile(ctx, userID); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("profile cache read failed")
	} else if p != nil {
		return p, nil
	}

	p, err := d.source.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := d.cache.SetProfile(ctx, p, d.ttl); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("profile cache write failed")
	}
	return p, nil
}

// Invalidate drops the cached profiles of the given users.
func (d *CachedDirectory) Invalidate(ctx context.Context, userIDs ...string) error {
	var errs []error
	for _, id := range userIDs {
		if err := d.cache.InvalidateProfile(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CacheStats reports hit and eviction counters of the profile cache.
func (d *CachedDirectory) CacheStats(ctx context.Context) cache.CacheStats {
	return d.cache.GetCacheStats(ctx)
}
