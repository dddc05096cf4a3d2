package ttlcache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const breakerDuration = 30 * time.Second

// FailoverCache uses a shared primary and falls back to a local cache while the
// primary is failing. State written during an outage is not replayed.
type FailoverCache struct {
	name     string
	primary  Cache
	fallback Cache
	nowFn    func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewFailoverCache constructs a FailoverCache. name is used in logs only.
func NewFailoverCache(name string, primary, fallback Cache, nowFn func() time.Time) *FailoverCache {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &FailoverCache{name: name, primary: primary, fallback: fallback, nowFn: nowFn}
}

// Get implements Cache.
func (c *FailoverCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.usePrimary() {
		val, ok, err := c.primary.Get(ctx, key)
		if err == nil {
			return val, ok, nil
		}
		c.tripBreaker(err)
	}
	return c.fallback.Get(ctx, key)
}

// Set implements Cache.
func (c *FailoverCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.usePrimary() {
		err := c.primary.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		c.tripBreaker(err)
	}
	return c.fallback.Set(ctx, key, value, ttl)
}

// Delete implements Cache.
func (c *FailoverCache) Delete(ctx context.Context, key string) error {
	if c.usePrimary() {
		err := c.primary.Delete(ctx, key)
		if err == nil {
			return c.fallback.Delete(ctx, key)
		}
		c.tripBreaker(err)
	}
	return c.fallback.Delete(ctx, key)
}

// Incr implements Cache.
func (c *FailoverCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.usePrimary() {
		n, err := c.primary.Incr(ctx, key, ttl)
		if err == nil {
			return n, nil
		}
		c.tripBreaker(err)
	}
	return c.fallback.Incr(ctx, key, ttl)
}

// Sweep implements Cache.
func (c *FailoverCache) Sweep(now time.Time) int {
	return c.primary.Sweep(now) + c.fallback.Sweep(now)
}

func (c *FailoverCache) usePrimary() bool {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breakerUntil.IsZero() {
		return true
	}
	if now.Before(c.breakerUntil) {
		return false
	}
	c.breakerUntil = time.Time{}
	return true
}

func (c *FailoverCache) tripBreaker(err error) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breakerUntil.IsZero() && now.Before(c.breakerUntil) {
		return
	}
	c.breakerUntil = now.Add(breakerDuration)
	log.WithError(err).WithField("cache", c.name).Warn("ttlcache: primary unavailable, falling back to memory")
}
