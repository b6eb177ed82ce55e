package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/obs"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// Cache wraps Redis helpers for JSON payloads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || c.ttl <= 0 || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || c.ttl <= 0 || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Cached serves directory reads from Redis before falling through to Next.
// Only successful answers are cached; unknown ids always reach Next.
type Cached struct {
	Next   voucher.Directory
	Cache  *Cache
	Logger *zerolog.Logger
}

func guestKey(id string) string { return "dir:guest:" + id }

func guestsKey(activeOnly bool) string {
	if activeOnly {
		return "dir:guests:active"
	}
	return "dir:guests:all"
}

// Guest implements voucher.Directory.
func (c Cached) Guest(ctx context.Context, id string) (voucher.Guest, error) {
	var g voucher.Guest
	if ok, err := c.Cache.GetJSON(ctx, guestKey(id), &g); err != nil {
		c.warn(ctx, err, "directory_cache_read_failed")
	} else if ok {
		obs.CountDirectoryLookup("cache", "hit")
		return g, nil
	}
	g, err := c.Next.Guest(ctx, id)
	if err != nil {
		return voucher.Guest{}, err
	}
	if err := c.Cache.SetJSON(ctx, guestKey(id), g); err != nil {
		c.warn(ctx, err, "directory_cache_write_failed")
	}
	return g, nil
}

// Guests implements voucher.Directory.
func (c Cached) Guests(ctx context.Context, activeOnly bool) ([]voucher.Guest, error) {
	var list []voucher.Guest
	if ok, err := c.Cache.GetJSON(ctx, guestsKey(activeOnly), &list); err != nil {
		c.warn(ctx, err, "directory_cache_read_failed")
	} else if ok {
		obs.CountDirectoryLookup("cache", "hit")
		return list, nil
	}
	list, err := c.Next.Guests(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	if err := c.Cache.SetJSON(ctx, guestsKey(activeOnly), list); err != nil {
		c.warn(ctx, err, "directory_cache_write_failed")
	}
	return list, nil
}

func (c Cached) warn(ctx context.Context, err error, msg string) {
	logger := c.Logger
	if logger == nil {
		logger = zerolog.Ctx(ctx)
	}
	logger.Warn().Err(err).Msg(msg)
}
