package ttlcache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is a process-local Cache. Expired entries are dropped on read and swept
// opportunistically once the map grows past sweepSize.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	sweepSize int
	nowFn     func() time.Time
}

// NewMemoryCache constructs a MemoryCache. A nil nowFn uses time.Now.
func NewMemoryCache(sweepSize int, nowFn func() time.Time) *MemoryCache {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryCache{
		entries:   make(map[string]memoryEntry),
		sweepSize: sweepSize,
		nowFn:     nowFn,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(now) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.nowFn()
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: stored, expiresAt: expiry(now, ttl)}
	c.maybeSweepLocked(now)
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Incr implements Cache.
func (c *MemoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	var current int64
	if ok && !entry.expired(now) {
		current, _ = strconv.ParseInt(string(entry.value), 10, 64)
	} else {
		entry = memoryEntry{expiresAt: expiry(now, ttl)}
	}
	current++
	entry.value = []byte(strconv.FormatInt(current, 10))
	c.entries[key] = entry
	c.maybeSweepLocked(now)
	return current, nil
}

// Sweep implements Cache.
func (c *MemoryCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) maybeSweepLocked(now time.Time) {
	if c.sweepSize > 0 && len(c.entries) > c.sweepSize {
		c.sweepLocked(now)
	}
}

func (c *MemoryCache) sweepLocked(now time.Time) int {
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
