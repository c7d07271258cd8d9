// Package trackcache keeps recent successful tracking responses in Redis.
package trackcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/parcel-tracker/internal/carrier"
	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

// DefaultTTL applies when a non-positive TTL is configured.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "tracking:v1:"

// Cache wraps Redis helpers for tracking responses. A nil Cache or one without
// a client is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a cache helper.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether reads and writes reach Redis.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Key returns the cache key for number served by provider.
func Key(provider tracking.Provider, number string) string {
	return keyPrefix + string(provider) + ":" + carrier.Normalize(number)
}

// Get returns the cached response for number. It reports whether the key existed.
func (c *Cache) Get(ctx context.Context, provider tracking.Provider, number string) (tracking.Response, bool, error) {
	var resp tracking.Response
	if !c.Enabled() || carrier.Normalize(number) == "" {
		return resp, false, nil
	}
	data, err := c.client.Get(ctx, Key(provider, number)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return resp, false, nil
		}
		return resp, false, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, false, err
	}
	return resp, true, nil
}

// Put stores resp with the configured TTL. Unsuccessful responses are not
// cached so the next caller retries the backend.
func (c *Cache) Put(ctx context.Context, resp tracking.Response) error {
	if !c.Enabled() || !resp.Success || carrier.Normalize(resp.TrackingNumber) == "" {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(resp.Provider, resp.TrackingNumber), data, c.ttl).Err()
}

// PutAll stores every successful response and returns how many were written.
func (c *Cache) PutAll(ctx context.Context, responses []tracking.Response) (int, error) {
	var (
		written int
		errs    []error
	)
	for _, resp := range responses {
		if !resp.Success {
			continue
		}
		if err := c.Put(ctx, resp); err != nil {
			errs = append(errs, err)
			continue
		}
		if c.Enabled() {
			written++
		}
	}
	return written, errors.Join(errs...)
}

// Invalidate drops the cached response for number.
func (c *Cache) Invalidate(ctx context.Context, provider tracking.Provider, number string) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Del(ctx, Key(provider, number)).Err()
}
