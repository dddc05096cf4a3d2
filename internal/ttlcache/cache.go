// Package ttlcache stores short-lived protocol state behind an injectable interface so
// each concern and each test gets an isolated instance.
package ttlcache

import (
	"context"
	"time"
)

// Cache is a byte-valued key store with per-entry expiry.
type Cache interface {
	// Get returns the value and whether the key exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A non-positive ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Incr increments a counter, starting its ttl when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Sweep drops expired entries and returns how many were removed.
	Sweep(now time.Time) int
}
