// Package cache implements the response cache: a bounded, fingerprint-keyed
// mapping with TTL expiry and LRU-ish eviction, sharded by purpose (book
// records, API responses, scraped pages), with an optional durable
// Postgres-backed overflow tier for long-lived entries.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"
)

// Cache is the contract every shard satisfies. It never returns an expired
// entry even if the size bound hasn't been reached -- expiry is enforced by
// the underlying store's TTL, not by this interface, but callers must not
// bypass Get/Set to violate that guarantee.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores val under key with the shard's default TTL. Use SetTTL to
	// override it for one write.
	Set(ctx context.Context, key string, val []byte)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	Stats() Stats
}

// Stats is the statistics snapshot each shard exposes.
type Stats struct {
	Size        int64
	Hits        int64
	Misses      int64
	ConfiguredTTL time.Duration
}

// HitRate returns Hits / (Hits + Misses), or 0 if there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// counters is embedded by every Cache implementation to track hit/miss
// stats without needing to wrap every call site.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

// Fuzz scales TTL d into the range (d, d*f), used to avoid thundering-herd
// cache expiry across many entries inserted at once (e.g. a bulk import).
func Fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}
