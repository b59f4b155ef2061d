// Package cache provides the volatile counter cache used to shortcut listen
// count lookups. Values are advisory; the durable store remains authoritative.
package cache

import (
	"context"
	"fmt"
	"time"
)

// CountTTL bounds counter staleness. Counts are always fresh within 5 minutes.
const CountTTL = 5 * time.Minute

const (
	userCountPrefix = "lc."
	totalCountKey   = "lc-total"
)

// UserCountKey returns the cache key for a user's listen count.
func UserCountKey(userID int64) string {
	return fmt.Sprintf("%s%d", userCountPrefix, userID)
}

// TotalCountKey returns the cache key for the global listen count.
func TotalCountKey() string { return totalCountKey }

// Client is a minimal get/set capability over a volatile key-value store with
// TTL semantics. Implemented by Redis and by the in-memory Memory fake.
// No atomic increments are relied upon; last writer wins.
type Client interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set stores a value that expires after ttl.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
