// Package cache is the transient, expiring key-value store behind throttle
// counters, lockout flags and SMS codes. Entries are never swept; an expired
// entry simply reads as a miss.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired
var ErrMiss = errors.New("cache: key not found")

// Cache is the transient store contract
type Cache interface {
	// Get returns the value of key or ErrMiss
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key for ttl
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes keys; absent keys are ignored
	Delete(ctx context.Context, keys ...string) error
	// Incr increments the integer under key, creating it at 1, and resets its TTL
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key or ErrMiss
	TTL(ctx context.Context, key string) (time.Duration, error)
}
